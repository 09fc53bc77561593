package models

// RecordPatch is a partial update to a ChatRecord's content fields.
//
// A nil field keeps the existing value. A non-nil field replaces it, so a
// pointer to the zero value clears it.
type RecordPatch struct {
	Title     *string    `json:"title,omitempty"`
	Messages  *[]Message `json:"messages,omitempty"`
	ModelType *string    `json:"model_type,omitempty"`
	Language  *string    `json:"language,omitempty"`
	ProjectID *string    `json:"project_id,omitempty"`
}

// Apply merges the patch into r and reports whether anything changed.
func (p RecordPatch) Apply(r *ChatRecord) bool {
	changed := false
	setString := func(dst *string, src *string) {
		if src != nil && *dst != *src {
			*dst = *src
			changed = true
		}
	}

	setString(&r.Title, p.Title)
	setString(&r.ModelType, p.ModelType)
	setString(&r.Language, p.Language)
	setString(&r.ProjectID, p.ProjectID)

	if p.Messages != nil {
		r.Messages = append([]Message{}, (*p.Messages)...)
		changed = true
	}
	return changed
}

// IsEmpty reports whether the patch touches nothing.
func (p RecordPatch) IsEmpty() bool {
	return p.Title == nil && p.Messages == nil && p.ModelType == nil &&
		p.Language == nil && p.ProjectID == nil
}

// String returns a pointer to s, for building patches.
func String(s string) *string {
	return &s
}
