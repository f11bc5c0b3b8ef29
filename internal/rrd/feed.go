package rrd

import (
	"encoding/xml"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/xtxerr/xenfeed/internal/errors"
)

// =============================================================================
// Types
// =============================================================================

// RawFeed is the unparsed response body for one poll. It lives only within
// one poll cycle.
type RawFeed struct {
	Body       []byte
	ReceivedAt time.Time
	Status     int
}

// Metadata is the decoded header of a feed.
type Metadata struct {
	// Start and End bound the inclusive time window in epoch seconds.
	Start int64
	End   int64

	// Step is the seconds between samples.
	Step int64

	// RowCount and ColumnCount are the counts the server declared. RowCount
	// may be off by one relative to (End-Start)/Step; that is tolerated.
	RowCount    int
	ColumnCount int
}

// Row is one time-sliced observation across all columns. Values holds one
// entry per column in legend order; NaN marks a gap in the series.
type Row struct {
	Timestamp int64
	Values    []float64
}

// Feed is a fully decoded rrd_updates document.
type Feed struct {
	Meta    Metadata
	Legends []LegendEntry

	// Rows are in ascending timestamp order with duplicates collapsed,
	// regardless of the wire order (the server sends them reverse
	// chronological, and has been observed to repeat the boundary sample).
	Rows []Row
}

// HostUUID returns the entity id of the first host column, or "" when the
// feed carries no host columns.
func (f *Feed) HostUUID() string {
	for _, l := range f.Legends {
		if l.Kind == EntityHost {
			return l.EntityID
		}
	}
	return ""
}

// =============================================================================
// Wire format
// =============================================================================

// The xport document, as served by the hypervisor:
//
//	<xport>
//	  <meta>
//	    <start>100</start> <step>5</step> <end>110</end>
//	    <rows>3</rows> <columns>1</columns>
//	    <legend><entry>AVERAGE:host:abc-1:cpu0</entry></legend>
//	  </meta>
//	  <data>
//	    <row><t>110</t><v>0.21</v></row>
//	    ...
//	  </data>
//	</xport>
//
// Numeric meta fields are decoded as strings first so that an absent element
// can be told apart from a literal zero.
type xportDoc struct {
	XMLName xml.Name   `xml:"xport"`
	Meta    *xportMeta `xml:"meta"`
	Data    *xportData `xml:"data"`
}

type xportMeta struct {
	Start   string       `xml:"start"`
	Step    string       `xml:"step"`
	End     string       `xml:"end"`
	Rows    string       `xml:"rows"`
	Columns string       `xml:"columns"`
	Legend  *xportLegend `xml:"legend"`
}

type xportLegend struct {
	Entries []string `xml:"entry"`
}

type xportData struct {
	Rows []xportRow `xml:"row"`
}

type xportRow struct {
	T string   `xml:"t"`
	V []string `xml:"v"`
}

// =============================================================================
// Parse
// =============================================================================

// ParseFeed decodes a raw rrd_updates document.
//
// Failure modes:
//   - ErrMalformedFeed when required structural elements are absent or
//     inconsistent (no meta/data/legend, non-numeric header fields, step <= 0,
//     declared column count disagreeing with the legend).
//   - ErrMalformedLegend when a legend token does not decode.
//   - ErrColumnMismatch when a row's value count disagrees with the column
//     count.
//   - ErrEmptyFeed when the window contains zero rows. Callers treat this as
//     "nothing new", not as a failure.
func ParseFeed(data []byte) (*Feed, error) {
	var doc xportDoc
	if err := xml.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(errors.ErrMalformedFeed, err.Error())
	}

	if doc.Meta == nil {
		return nil, errors.Wrap(errors.ErrMalformedFeed, "missing meta section")
	}
	if doc.Meta.Legend == nil {
		return nil, errors.Wrap(errors.ErrMalformedFeed, "missing legend section")
	}
	if doc.Data == nil {
		return nil, errors.Wrap(errors.ErrMalformedFeed, "missing data section")
	}

	meta, err := parseMeta(doc.Meta)
	if err != nil {
		return nil, err
	}

	legends := make([]LegendEntry, 0, len(doc.Meta.Legend.Entries))
	for _, token := range doc.Meta.Legend.Entries {
		entry, err := ParseLegend(token)
		if err != nil {
			return nil, err
		}
		legends = append(legends, entry)
	}

	if meta.ColumnCount != len(legends) {
		return nil, errors.Wrapf(errors.ErrMalformedFeed,
			"declared %d columns but legend has %d entries", meta.ColumnCount, len(legends))
	}

	if meta.RowCount == 0 || len(doc.Data.Rows) == 0 {
		return nil, errors.Wrapf(errors.ErrEmptyFeed,
			"window %d-%d contains no rows", meta.Start, meta.End)
	}

	rows, err := parseRows(doc.Data.Rows, len(legends))
	if err != nil {
		return nil, err
	}

	return &Feed{Meta: meta, Legends: legends, Rows: rows}, nil
}

func parseMeta(m *xportMeta) (Metadata, error) {
	start, err := metaInt(m.Start, "start")
	if err != nil {
		return Metadata{}, err
	}
	end, err := metaInt(m.End, "end")
	if err != nil {
		return Metadata{}, err
	}
	step, err := metaInt(m.Step, "step")
	if err != nil {
		return Metadata{}, err
	}
	rows, err := metaInt(m.Rows, "rows")
	if err != nil {
		return Metadata{}, err
	}
	cols, err := metaInt(m.Columns, "columns")
	if err != nil {
		return Metadata{}, err
	}

	if step <= 0 {
		return Metadata{}, errors.Wrapf(errors.ErrMalformedFeed, "non-positive step %d", step)
	}

	return Metadata{
		Start:       start,
		End:         end,
		Step:        step,
		RowCount:    int(rows),
		ColumnCount: int(cols),
	}, nil
}

func metaInt(s, name string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrapf(errors.ErrMalformedFeed, "missing %s element", name)
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(errors.ErrMalformedFeed, "non-numeric %s element %q", name, s)
	}
	return n, nil
}

// parseRows decodes, deduplicates, and sorts the data rows. The wire order is
// reverse chronological, so deduplication keeps the last row in document
// order for a given timestamp and the result is sorted ascending.
func parseRows(wire []xportRow, columns int) ([]Row, error) {
	byTimestamp := make(map[int64]Row, len(wire))

	for _, wr := range wire {
		ts, err := strconv.ParseInt(strings.TrimSpace(wr.T), 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrMalformedFeed, "row has non-numeric timestamp %q", wr.T)
		}

		if len(wr.V) != columns {
			return nil, errors.Wrapf(errors.ErrColumnMismatch,
				"row at t=%d has %d values, want %d", ts, len(wr.V), columns)
		}

		values := make([]float64, columns)
		for i, raw := range wr.V {
			v, err := parseValue(raw)
			if err != nil {
				return nil, errors.Wrapf(errors.ErrMalformedFeed,
					"row at t=%d column %d: bad value %q", ts, i, raw)
			}
			values[i] = v
		}

		byTimestamp[ts] = Row{Timestamp: ts, Values: values}
	}

	rows := make([]Row, 0, len(byTimestamp))
	for _, r := range byTimestamp {
		rows = append(rows, r)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Timestamp < rows[j].Timestamp })

	return rows, nil
}

// parseValue decodes one <v> element. The gap sentinel ("NaN" and variants)
// is preserved as NaN, never coerced to zero.
func parseValue(raw string) (float64, error) {
	s := strings.TrimSpace(raw)
	if s == "" || strings.EqualFold(s, "nan") {
		return math.NaN(), nil
	}
	return strconv.ParseFloat(s, 64)
}

// IsGap reports whether a decoded value marks a gap in the series.
func IsGap(v float64) bool {
	return math.IsNaN(v)
}
