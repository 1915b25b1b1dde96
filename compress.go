package arpchat

import "errors"

// compress.go implements a small static-dictionary byte coder tuned for
// short English chat messages, in the spirit of smaz: greedily match the
// longest known fragment at each position and emit a single byte for it,
// falling back to literal runs for anything unmatched. It trades ratio on
// long or non-English text for near-zero overhead on the handful of words
// that make up most chat messages, which is exactly the shape that fits
// inside a 241-byte ARP fragment.

// errBadCompressed is returned when a compressed buffer references an
// unknown code or runs out of bytes mid-literal-run.
var errBadCompressed = errors.New("arpchat: malformed compressed data")

// literalEscape is the code that introduces a run of literal bytes. Dictionary
// codes occupy [0, literalEscape).
const literalEscape = 250

// dictionary holds the most common short fragments of English chat text.
// compress tries candidate lengths longest-first through dictIndex, so the
// order of entries here does not affect which match it picks.
var dictionary = [...]string{
	" the ", "the ", " the", "ing ", " and ", "and ", " to ", "to ",
	" you ", "you ", " is ", "is ", " for ", "for ", " that ", "that ",
	" have ", "have ", " with ", "with ", " this ", "this ", " not ",
	"not ", "tion", "ed ", "er ", "ly ", "ion ", " on ", "on ",
	" in ", "in ", " of ", "of ", " it ", "it ", " be ", "be ",
	" are ", "are ", " was ", "was ", " but ", "but ", " what ",
	"what ", " can ", "can ", " just ", "just ", " so ", "so ",
	" like ", "like ", " do ", "do ", " know ", "know ", " i ",
	" a ", " an ", "an ", " we ", "we ", " they ", "they ", " he ",
	"he ", " she ", "she ", " no ", "no ", " yes ", "yes ", "hello",
	"hi ", "thanks", "thank you", "please", " how ", "how ", "lol",
	"!", "?", ".", ",", ":", ";", "'", "\"", "-", "...",
	"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l", "m",
	"n", "o", "p", "q", "r", "s", "t", "u", "v", "w", "x", "y", "z",
	"A", "B", "C", "D", "E", "F", "G", "H", "I", "J", "K", "L", "M",
	"N", "O", "P", "Q", "R", "S", "T", "U", "V", "W", "X", "Y", "Z",
	"0", "1", "2", "3", "4", "5", "6", "7", "8", "9", " ",
}

// maxDictEntry is the longest dictionary fragment, bounding how far ahead
// compress needs to look when matching.
var maxDictEntry int

// dictIndex maps a dictionary string to its code, built once at init.
var dictIndex map[string]byte

func init() {
	if len(dictionary) >= literalEscape {
		panic("arpchat: dictionary too large for its code space")
	}
	dictIndex = make(map[string]byte, len(dictionary))
	for i, s := range dictionary {
		if len(s) > maxDictEntry {
			maxDictEntry = len(s)
		}
		// Earlier entries win ties; don't overwrite a shorter code with a
		// duplicate string further down the table.
		if _, ok := dictIndex[s]; !ok {
			dictIndex[s] = byte(i)
		}
	}
}

// compressText packs s into the dictionary-coded wire form.
func compressText(s string) []byte {
	out := make([]byte, 0, len(s))
	data := []byte(s)

	var literal []byte
	flush := func() {
		for len(literal) > 0 {
			n := len(literal)
			if n > 255 {
				n = 255
			}
			out = append(out, literalEscape, byte(n))
			out = append(out, literal[:n]...)
			literal = literal[n:]
		}
	}

	for i := 0; i < len(data); {
		matched := false
		max := maxDictEntry
		if i+max > len(data) {
			max = len(data) - i
		}
		for l := max; l >= 1; l-- {
			if code, ok := dictIndex[string(data[i:i+l])]; ok {
				flush()
				out = append(out, code)
				i += l
				matched = true
				break
			}
		}
		if !matched {
			literal = append(literal, data[i])
			i++
		}
	}
	flush()

	return out
}

// decompressText unpacks the dictionary-coded wire form back into text. It
// returns an error rather than panicking on any malformed input, so the
// packet deserializer can treat it as "no packet" per spec.
func decompressText(data []byte) ([]byte, error) {
	out := make([]byte, 0, len(data)*2)

	for i := 0; i < len(data); {
		code := data[i]
		switch {
		case int(code) < len(dictionary):
			out = append(out, dictionary[code]...)
			i++
		case code == literalEscape:
			if i+1 >= len(data) {
				return nil, errBadCompressed
			}
			n := int(data[i+1])
			start := i + 2
			end := start + n
			if end > len(data) {
				return nil, errBadCompressed
			}
			out = append(out, data[start:end]...)
			i = end
		default:
			return nil, errBadCompressed
		}
	}

	return out, nil
}
