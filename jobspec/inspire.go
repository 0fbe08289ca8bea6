package jobspec

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"time"
)

const inspireLayout = "2006-01-02T15:04:05"

// acquisitionWindow extracts the gml begin and end positions from an
// INSPIRE.xml metadata document.
func acquisitionWindow(doc []byte) (begin, end time.Time, err error) {
	dec := xml.NewDecoder(bytes.NewReader(doc))
	var positions = map[string]*time.Time{
		"beginPosition": &begin,
		"endPosition":   &end,
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		} else if err != nil {
			return begin, end, fmt.Errorf("parsing INSPIRE metadata: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		dst := positions[start.Name.Local]
		if dst == nil {
			continue
		}
		var text string
		if err := dec.DecodeElement(&text, &start); err != nil {
			return begin, end, fmt.Errorf("reading %s: %w", start.Name.Local, err)
		}
		*dst, err = time.Parse(inspireLayout, text)
		if err != nil {
			return begin, end, fmt.Errorf("parsing %s %q: %w", start.Name.Local, text, err)
		}
	}
	if begin.IsZero() || end.IsZero() {
		return begin, end, fmt.Errorf("INSPIRE metadata holds no acquisition window")
	}
	return begin, end, nil
}

// productMeasurementStamp reconciles the timestamp embedded in a L1C name
// with the acquisition window of its INSPIRE metadata. The name stamp wins
// when it falls inside the window, otherwise the window start is used.
func productMeasurementStamp(nameStamp string, doc []byte) (string, error) {
	const layout = "20060102T150405"

	begin, end, err := acquisitionWindow(doc)
	if err != nil {
		return "", err
	}
	stamp, err := time.Parse(layout, nameStamp)
	if err != nil {
		return "", fmt.Errorf("parsing L1C name stamp %q: %w", nameStamp, err)
	}
	if stamp.After(begin) && stamp.Before(end) {
		return nameStamp, nil
	}
	return begin.Format(layout), nil
}
