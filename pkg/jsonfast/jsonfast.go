// Package jsonfast provides a small append-only JSON object builder for flat,
// fixed schemas such as outcome events.
package jsonfast

import (
	"strconv"
	"time"
	"unicode/utf8"
)

// Builder appends one flat JSON object to a reusable buffer.
// It is not a general-purpose encoder: values are strings, integers and times.
type Builder struct {
	buf    []byte
	opened bool
	first  bool
}

// New creates a builder with an initial capacity; non-positive means 256
func New(capacity int) *Builder {
	if capacity <= 0 {
		capacity = 256
	}
	return &Builder{
		buf:   make([]byte, 0, capacity),
		first: true,
	}
}

// Reset clears the builder for reuse
func (b *Builder) Reset() {
	b.buf = b.buf[:0]
	b.opened = false
	b.first = true
}

// Bytes returns the encoded buffer. It is reused after Reset.
func (b *Builder) Bytes() []byte {
	return b.buf
}

// BeginObject starts the object. Adding a field opens it implicitly.
func (b *Builder) BeginObject() {
	b.buf = append(b.buf, '{')
	b.opened = true
	b.first = true
}

// EndObject closes the object
func (b *Builder) EndObject() {
	if !b.opened {
		b.BeginObject()
	}
	b.buf = append(b.buf, '}')
	b.opened = false
}

// AddStringField adds "name":"value"
func (b *Builder) AddStringField(name, value string) {
	b.key(name)
	b.buf = append(b.buf, '"')
	b.escapeString(value)
	b.buf = append(b.buf, '"')
}

// AddIntField adds "name":v
func (b *Builder) AddIntField(name string, v int) {
	b.key(name)
	b.buf = strconv.AppendInt(b.buf, int64(v), 10)
}

// AddTimeField adds "name":"2006-01-02T15:04:05.000Z" in UTC
func (b *Builder) AddTimeField(name string, t time.Time) {
	b.key(name)
	b.buf = append(b.buf, '"')
	b.buf = t.UTC().AppendFormat(b.buf, "2006-01-02T15:04:05.000Z07:00")
	b.buf = append(b.buf, '"')
}

// key writes the separator and the quoted field name
func (b *Builder) key(name string) {
	switch {
	case !b.opened:
		b.BeginObject()
		b.first = false
	case b.first:
		b.first = false
	default:
		b.buf = append(b.buf, ',')
	}
	b.buf = append(b.buf, '"')
	b.escapeString(name)
	b.buf = append(b.buf, '"', ':')
}

// escapeString writes s with JSON escaping. Invalid UTF-8 is replaced by
// U+FFFD so the output always stays valid JSON.
func (b *Builder) escapeString(s string) {
	for i := 0; i < len(s); {
		c := s[i]
		if c >= utf8.RuneSelf {
			r, size := utf8.DecodeRuneInString(s[i:])
			switch {
			case r == utf8.RuneError && size == 1:
				b.buf = append(b.buf, `\ufffd`...)
			case r == '\u2028' || r == '\u2029':
				b.buf = append(b.buf, '\\', 'u', '2', '0', '2', hex[r&0x0f])
			default:
				b.buf = append(b.buf, s[i:i+size]...)
			}
			i += size
			continue
		}

		switch c {
		case '\\', '"':
			b.buf = append(b.buf, '\\', c)
		case '\n':
			b.buf = append(b.buf, '\\', 'n')
		case '\r':
			b.buf = append(b.buf, '\\', 'r')
		case '\t':
			b.buf = append(b.buf, '\\', 't')
		default:
			if c < 0x20 {
				b.buf = append(b.buf, '\\', 'u', '0', '0', hex[c>>4], hex[c&0x0f])
			} else {
				b.buf = append(b.buf, c)
			}
		}
		i++
	}
}

const hex = "0123456789abcdef"
