// Package x12 tokenizes ASC X12 interchanges (ISA/GS/ST ... SE/GE/IEA) and
// checks their envelopes. It knows nothing about individual transaction
// sets; callers interpret the segments of each ST/SE pair.
package x12

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// isaLength is the fixed width of the ISA segment including its terminator.
const isaLength = 106

// Delimiters are read from the ISA segment.
type Delimiters struct {
	Element    byte
	Component  byte
	Repetition byte
	Segment    byte
}

// Segment is one X12 segment. Elements[0] is the segment id, so Element(1)
// is the first data element, matching the usual "CLP01" notation.
type Segment struct {
	ID       string
	Elements []string
	Index    int // 1-based position in the interchange
	comp     byte
}

// Element returns the n-th data element, or "" when absent.
func (s Segment) Element(n int) string {
	if n <= 0 || n >= len(s.Elements) {
		return ""
	}
	return s.Elements[n]
}

// Component returns component c (1-based) of element n.
func (s Segment) Component(n, c int) string {
	el := s.Element(n)
	if el == "" || c <= 0 {
		return ""
	}
	parts := strings.Split(el, string(s.comp))
	if c > len(parts) {
		return ""
	}
	return parts[c-1]
}

// TransactionSet is the content of one ST/SE pair. Segments excludes the ST
// and SE segments themselves. Err is set when the set's own trailer is
// missing or disagrees with its header; the rest of the interchange is still
// usable.
type TransactionSet struct {
	ID            string
	ControlNumber string
	Index         int
	Segments      []Segment
	Err           error
}

// FunctionalGroup is one GS/GE pair.
type FunctionalGroup struct {
	FunctionalID  string
	ControlNumber string
	Sets          []TransactionSet
}

// Interchange is a parsed ISA/IEA envelope.
type Interchange struct {
	Delimiters    Delimiters
	SenderID      string
	ReceiverID    string
	Date          string
	ControlNumber string
	Groups        []FunctionalGroup
}

// Sets returns every transaction set in the interchange in file order.
func (ic *Interchange) Sets() []TransactionSet {
	var out []TransactionSet
	for _, g := range ic.Groups {
		out = append(out, g.Sets...)
	}
	return out
}

// SyntaxError reports a structural problem at a segment.
type SyntaxError struct {
	Index   int
	Segment string
	Msg     string
}

func (e *SyntaxError) Error() string {
	if e.Index == 0 {
		return "x12: " + e.Msg
	}
	return fmt.Sprintf("x12: segment %d (%s): %s", e.Index, e.Segment, e.Msg)
}

func syntaxErr(seg Segment, format string, args ...any) *SyntaxError {
	return &SyntaxError{Index: seg.Index, Segment: seg.ID, Msg: fmt.Sprintf(format, args...)}
}

// Parse reads an interchange. Envelope problems (ISA, GS, GE, IEA) are
// returned as a *SyntaxError. Problems confined to one transaction set are
// recorded on that set.
func Parse(r io.Reader) (*Interchange, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("x12: read: %w", err)
	}
	segments, delims, err := Tokenize(string(raw))
	if err != nil {
		return nil, err
	}
	return assemble(segments, delims)
}

// Tokenize splits raw interchange text into segments using the delimiters
// declared by its ISA header.
func Tokenize(text string) ([]Segment, Delimiters, error) {
	text = strings.TrimLeft(text, " \t\r\n\ufeff")
	if text == "" {
		return nil, Delimiters{}, &SyntaxError{Msg: "interchange is empty"}
	}
	if !strings.HasPrefix(text, "ISA") {
		return nil, Delimiters{}, &SyntaxError{Msg: fmt.Sprintf("interchange must start with ISA, got %q", text[:min(3, len(text))])}
	}
	if len(text) < isaLength {
		return nil, Delimiters{}, &SyntaxError{Index: 1, Segment: "ISA", Msg: "ISA segment is truncated"}
	}
	d := Delimiters{
		Element:   text[3],
		Component: text[104],
		Segment:   text[105],
	}
	isaFields := strings.Split(text[:105], string(d.Element))
	if len(isaFields) != 17 {
		return nil, d, &SyntaxError{Index: 1, Segment: "ISA", Msg: fmt.Sprintf("expected 16 ISA elements, got %d", len(isaFields)-1)}
	}
	if rep := isaFields[11]; len(rep) == 1 && rep != "U" {
		d.Repetition = rep[0]
	}

	var segments []Segment
	for _, part := range strings.Split(text, string(d.Segment)) {
		part = strings.Trim(part, "\r\n")
		if strings.TrimSpace(part) == "" {
			continue
		}
		elems := strings.Split(part, string(d.Element))
		segments = append(segments, Segment{
			ID:       strings.TrimSpace(elems[0]),
			Elements: elems,
			Index:    len(segments) + 1,
			comp:     d.Component,
		})
	}
	return segments, d, nil
}

func assemble(segments []Segment, d Delimiters) (*Interchange, error) {
	isa := segments[0]
	ic := &Interchange{
		Delimiters:    d,
		SenderID:      strings.TrimSpace(isa.Element(6)),
		ReceiverID:    strings.TrimSpace(isa.Element(8)),
		Date:          isa.Element(9),
		ControlNumber: isa.Element(13),
	}

	var (
		group  *FunctionalGroup
		set    *TransactionSet
		closed bool
	)
	closeSet := func(err error) {
		set.Err = err
		group.Sets = append(group.Sets, *set)
		set = nil
	}

	for _, seg := range segments[1:] {
		if closed {
			return nil, syntaxErr(seg, "segment after IEA trailer")
		}
		switch seg.ID {
		case "ISA":
			return nil, syntaxErr(seg, "nested ISA header")
		case "GS":
			if group != nil {
				return nil, syntaxErr(seg, "GS before GE of group %s", group.ControlNumber)
			}
			group = &FunctionalGroup{FunctionalID: seg.Element(1), ControlNumber: seg.Element(6)}
		case "ST":
			if group == nil {
				return nil, syntaxErr(seg, "ST outside functional group")
			}
			if set != nil {
				closeSet(syntaxErr(seg, "transaction set %s has no SE trailer", set.ControlNumber))
			}
			set = &TransactionSet{ID: seg.Element(1), ControlNumber: seg.Element(2), Index: seg.Index}
		case "SE":
			if set == nil {
				return nil, syntaxErr(seg, "SE without ST")
			}
			closeSet(checkSE(seg, set))
		case "GE":
			if group == nil {
				return nil, syntaxErr(seg, "GE without GS")
			}
			if set != nil {
				closeSet(syntaxErr(seg, "transaction set %s has no SE trailer", set.ControlNumber))
			}
			if err := checkCount(seg, 1, len(group.Sets), "transaction sets"); err != nil {
				return nil, err
			}
			if seg.Element(2) != group.ControlNumber {
				return nil, syntaxErr(seg, "GE control number %q does not match GS %q", seg.Element(2), group.ControlNumber)
			}
			ic.Groups = append(ic.Groups, *group)
			group = nil
		case "IEA":
			if group != nil {
				return nil, syntaxErr(seg, "IEA before GE of group %s", group.ControlNumber)
			}
			if err := checkCount(seg, 1, len(ic.Groups), "functional groups"); err != nil {
				return nil, err
			}
			if strings.TrimSpace(seg.Element(2)) != strings.TrimSpace(ic.ControlNumber) {
				return nil, syntaxErr(seg, "IEA control number %q does not match ISA %q", seg.Element(2), ic.ControlNumber)
			}
			closed = true
		default:
			if set == nil {
				return nil, syntaxErr(seg, "segment outside transaction set")
			}
			set.Segments = append(set.Segments, seg)
		}
	}
	if !closed {
		return nil, &SyntaxError{Msg: "missing IEA trailer"}
	}
	return ic, nil
}

// checkSE validates the SE segment count, which includes ST and SE, and the
// control number echo.
func checkSE(seg Segment, set *TransactionSet) error {
	if err := checkCount(seg, 1, len(set.Segments)+2, "segments"); err != nil {
		return err
	}
	if seg.Element(2) != set.ControlNumber {
		return syntaxErr(seg, "SE control number %q does not match ST %q", seg.Element(2), set.ControlNumber)
	}
	return nil
}

func checkCount(seg Segment, element, actual int, what string) error {
	declared, err := strconv.Atoi(strings.TrimSpace(seg.Element(element)))
	if err != nil {
		return syntaxErr(seg, "invalid %s count %q", what, seg.Element(element))
	}
	if declared != actual {
		return syntaxErr(seg, "declares %d %s, found %d", declared, what, actual)
	}
	return nil
}
