package testdata

import "strings"

// KeyVector pairs a raw key with its key string.
type KeyVector struct {
	Name      string
	Key       string // Hex
	KeyString string
}

// KeyVectors contains known key string encodings.
var KeyVectors = []KeyVector{
	{
		Name:      "all zero",
		Key:       strings.Repeat("00", 32),
		KeyString: "key_" + strings.Repeat("aa", 32),
	},
	{
		Name:      "all 0xff",
		Key:       strings.Repeat("ff", 32),
		KeyString: "key_" + strings.Repeat("hd", 32),
	},
	{
		Name:      "boundary bytes",
		Key:       "00" + "23" + "24" + "c8" + strings.Repeat("01", 28),
		KeyString: "key_" + "aa" + "a9" + "ba" + "fu" + strings.Repeat("ab", 28),
	},
}

// InvalidKeyStrings maps malformed input to the error class it must produce.
var InvalidKeyStrings = []struct {
	Name  string
	Input string
	Class string // format, characters, length
}{
	{"missing prefix", strings.Repeat("aa", 32), "format"},
	{"odd payload", "key_" + strings.Repeat("a", 63), "format"},
	{"empty payload", "key_", "format"},
	{"uppercase symbol", "key_" + strings.Repeat("AA", 32), "characters"},
	{"punctuation", "key_" + strings.Repeat("a-", 32), "characters"},
	{"decoded above 255", "key_" + "zz" + strings.Repeat("aa", 31), "characters"},
	{"first value above 255", "key_" + "hk" + strings.Repeat("aa", 31), "characters"},
	{"short key", "key_" + strings.Repeat("aa", 16), "length"},
	{"long key", "key_" + strings.Repeat("aa", 33), "length"},
}
