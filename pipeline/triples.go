package pipeline

import (
	"fmt"
	"strings"

	"github.com/knakk/rdf"
	"github.com/pkg/errors"
)

// canonicalTriples parses Turtle |data| and returns each triple as its
// canonical string key: `<s> <p> <o>` with N-Triples term serialization and
// no trailing dot. An empty payload yields no triples.
func canonicalTriples(data string) ([]string, error) {
	if data == "" {
		return nil, nil
	}

	var dec = rdf.NewTripleDecoder(strings.NewReader(data), rdf.Turtle)
	var triples, err = dec.DecodeAll()
	if err != nil {
		return nil, errors.WithMessage(err, "parsing turtle")
	}

	var out = make([]string, 0, len(triples))
	for _, t := range triples {
		out = append(out, fmt.Sprintf("%s %s %s",
			t.Subj.Serialize(rdf.NTriples),
			t.Pred.Serialize(rdf.NTriples),
			escapeObject(t.Obj.Serialize(rdf.NTriples))))
	}
	return out, nil
}

// escapeObject rewrites every `\\` of a serialized object term as
// `\u005C\u005C`, spelling each backslash as its own unicode escape. The update
// parser substitutes `\uXXXX` escapes before tokenizing; a `\\uXXXX` inside
// a literal would otherwise be misread as a backslash followed by the
// escaped character, which is invalid. Strictly only `\\u` needs the
// treatment, but rewriting all pairs is harmless.
func escapeObject(s string) string {
	return strings.ReplaceAll(s, `\\`, `\u005C\u005C`)
}
