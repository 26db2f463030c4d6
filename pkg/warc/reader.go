package warc

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// ReadRecord is one record as parsed from a WARC file.
type ReadRecord struct {
	// Fields holds the record headers with lower-cased names.
	Fields map[string]string

	// Block is the decompressed record block (Content-Length bytes).
	Block []byte

	// Raw is the complete compressed gzip member for this record, suitable
	// for Writer.AppendRawMember.
	Raw []byte
}

// Header returns the value of the named header, matching case-insensitively.
func (r *ReadRecord) Header(name string) string {
	return r.Fields[strings.ToLower(name)]
}

// Reader iterates the records of a .warc.gz stream.
//
// It relies on gzip multistream segmentation: each call to Next decodes
// exactly one gzip member. The compressed bytes of that member are captured
// so callers can copy records verbatim into another file.
type Reader struct {
	src     *memberSource
	gz      *gzip.Reader
	started bool
}

// NewReader returns a Reader over r.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: &memberSource{r: bufio.NewReader(r)}}
}

// Next returns the next record, or io.EOF after the last one.
func (r *Reader) Next() (*ReadRecord, error) {
	r.src.buf.Reset()

	if !r.started {
		gz, err := gzip.NewReader(r.src)
		if err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to open gzip member: %w", err)
		}
		gz.Multistream(false)
		r.gz = gz
		r.started = true
	} else {
		if err := r.gz.Reset(r.src); err != nil {
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("failed to open gzip member: %w", err)
		}
		r.gz.Multistream(false)
	}

	data, err := io.ReadAll(r.gz)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress record: %w", err)
	}

	rec, err := parseRecord(data)
	if err != nil {
		return nil, err
	}
	rec.Raw = append([]byte(nil), r.src.buf.Bytes()...)

	return rec, nil
}

// parseRecord parses the decompressed bytes of one record.
func parseRecord(data []byte) (*ReadRecord, error) {
	line, rest, err := cutLine(data)
	if err != nil {
		return nil, err
	}
	if !bytes.HasPrefix(line, []byte("WARC/")) {
		return nil, fmt.Errorf("warc: malformed record: expected version line, got %q", line)
	}

	fields := make(map[string]string)
	for {
		line, rest, err = cutLine(rest)
		if err != nil {
			return nil, err
		}
		if len(line) == 0 {
			break
		}
		colon := bytes.IndexByte(line, ':')
		if colon < 0 {
			return nil, fmt.Errorf("warc: malformed header line %q", line)
		}
		name := strings.ToLower(string(bytes.TrimSpace(line[:colon])))
		fields[name] = string(bytes.TrimSpace(line[colon+1:]))
	}

	length, err := strconv.Atoi(fields[strings.ToLower(HeaderContentLength)])
	if err != nil {
		return nil, fmt.Errorf("warc: bad or missing Content-Length: %w", err)
	}
	if length > len(rest) {
		return nil, fmt.Errorf("warc: record block truncated: want %d bytes, have %d", length, len(rest))
	}

	return &ReadRecord{
		Fields: fields,
		Block:  rest[:length:length],
	}, nil
}

// cutLine splits data at the first CRLF.
func cutLine(data []byte) (line, rest []byte, err error) {
	idx := bytes.Index(data, []byte("\r\n"))
	if idx < 0 {
		return nil, nil, fmt.Errorf("warc: malformed record: missing CRLF")
	}
	return data[:idx], data[idx+2:], nil
}

// memberSource feeds the gzip reader while teeing every consumed byte into
// a buffer. Implementing io.ByteReader keeps the decompressor from reading
// past the end of the current member, so after a member is drained the
// buffer holds exactly its compressed bytes.
type memberSource struct {
	r   *bufio.Reader
	buf bytes.Buffer
}

func (m *memberSource) Read(p []byte) (int, error) {
	n, err := m.r.Read(p)
	if n > 0 {
		m.buf.Write(p[:n])
	}
	return n, err
}

func (m *memberSource) ReadByte() (byte, error) {
	b, err := m.r.ReadByte()
	if err != nil {
		return 0, err
	}
	m.buf.WriteByte(b)
	return b, nil
}
