package prometheus

import (
	"bufio"
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/serplantas/authcore"
	"github.com/serplantas/authcore/metrics/export/internaldefs"
)

const contentType = "text/plain; version=0.0.4; charset=utf-8"

// Source is the engine surface read on every scrape.
type Source interface {
	MetricsSnapshot() authcore.MetricsSnapshot
	AuditDropped() uint64
}

type Exporter struct {
	source Source
}

func NewExporter(source Source) *Exporter {
	return &Exporter{source: source}
}

// Handler serves the current snapshot. An engine with metrics disabled and
// no dropped audit events yields an empty body.
func (p *Exporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", contentType)
		_, _ = p.WriteTo(w)
	})
}

// Render returns the exposition text as a string.
func (p *Exporter) Render() string {
	var buf bytes.Buffer
	_, _ = p.WriteTo(&buf)
	return buf.String()
}

// WriteTo writes one exposition of every counter and histogram to w.
func (p *Exporter) WriteTo(w io.Writer) (int64, error) {
	if p == nil || p.source == nil {
		return 0, nil
	}

	snapshot := p.source.MetricsSnapshot()
	dropped := p.source.AuditDropped()
	if len(snapshot.Counters) == 0 && len(snapshot.Histograms) == 0 && dropped == 0 {
		return 0, nil
	}

	cw := &countingWriter{w: bufio.NewWriterSize(w, 4096)}
	for _, def := range internaldefs.CounterDefs {
		writeCounter(cw, def.Name, def.Help, snapshot.Counters[def.ID])
	}
	for _, def := range internaldefs.HistogramDefs {
		raw, ok := snapshot.Histograms[def.ID]
		if !ok {
			continue
		}
		writeHistogram(cw, def.Name, def.Help, internaldefs.CumulativeBuckets(internaldefs.NormalizeBuckets(raw)))
	}
	writeCounter(cw, "authcore_audit_dropped_total", "Audit events dropped under backpressure.", dropped)

	if cw.err == nil {
		cw.err = cw.w.Flush()
	}
	return cw.n, cw.err
}

// countingWriter keeps the first error so the writers below stay linear.
type countingWriter struct {
	w   *bufio.Writer
	n   int64
	err error
}

func (c *countingWriter) str(s string) {
	if c.err != nil {
		return
	}
	n, err := c.w.WriteString(s)
	c.n += int64(n)
	c.err = err
}

func writeHeader(cw *countingWriter, name, help, kind string) {
	cw.str("# HELP " + name + " " + escapeHelp(help) + "\n")
	cw.str("# TYPE " + name + " " + kind + "\n")
}

func writeCounter(cw *countingWriter, name, help string, value uint64) {
	writeHeader(cw, name, help, "counter")
	cw.str(name + " " + strconv.FormatUint(value, 10) + "\n")
}

func writeHistogram(cw *countingWriter, name, help string, cumulative [8]uint64) {
	writeHeader(cw, name, help, "histogram")
	for i, le := range internaldefs.HistogramBounds {
		cw.str(name + `_bucket{le="` + le + `"} ` + strconv.FormatUint(cumulative[i], 10) + "\n")
	}
	cw.str(name + "_count " + strconv.FormatUint(cumulative[len(cumulative)-1], 10) + "\n")
	// Snapshots carry bucket counts only.
	cw.str(name + "_sum 0\n")
}

func escapeHelp(help string) string {
	return strings.NewReplacer(`\`, `\\`, "\n", `\n`).Replace(help)
}
