package jobstats

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/pkg/errors"
)

const (
	StartMarker = "#StartJobStatistics"
	EndMarker   = "#EndJobStatistics"
)

// Write emits stats as one protocol block.
func Write(w io.Writer, stats Statistics) error {
	body, err := json.Marshal(stats)
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = fmt.Fprintf(w, "%s\n%s\n%s\n", StartMarker, body, EndMarker)
	return errors.WithStack(err)
}

// Parser reassembles protocol blocks from a stream of output lines.
// It is not threadsafe.
type Parser struct {
	inBlock bool
	builder strings.Builder
}

// Feed consumes one line. It returns the decoded block when line closes one. Lines outside of a
// block are ignored.
func (p *Parser) Feed(line string) (*Statistics, error) {
	trimmed := strings.TrimSpace(line)
	switch {
	case trimmed == StartMarker:
		p.inBlock = true
		p.builder.Reset()
		return nil, nil
	case trimmed == EndMarker && p.inBlock:
		p.inBlock = false
		stats := &Statistics{}
		if err := json.Unmarshal([]byte(p.builder.String()), stats); err != nil {
			return nil, errors.Wrap(err, "invalid job statistics block")
		}
		for _, m := range stats.Metadata {
			if err := m.Reduce.Validate(); err != nil {
				return nil, errors.Wrapf(err, "measurement %s", m.Name)
			}
			if err := m.Aggregate.Validate(); err != nil {
				return nil, errors.Wrapf(err, "measurement %s", m.Name)
			}
		}
		return stats, nil
	case p.inBlock:
		p.builder.WriteString(line)
		p.builder.WriteString("\n")
	}
	return nil, nil
}

// InBlock reports whether the parser is between a start and an end marker.
func (p *Parser) InBlock() bool {
	return p.inBlock
}
