package resp

import (
	"errors"
	"strconv"

	"github.com/mervinkid/rediwire/buffer"
)

// Sentinel byte-protocol errors. Unlike ErrEncodingUnsupported these are
// wire-corruption errors: the caller should treat the connection as dead.
var (
	ErrUnknownPrefix   = errors.New("resp: unknown reply prefix")
	ErrBadLineEnding   = errors.New("resp: line not terminated by CRLF")
	ErrInvalidInteger  = errors.New("resp: malformed integer reply")
	ErrInvalidBulkLen  = errors.New("resp: malformed bulk string length")
	ErrInvalidArrayLen = errors.New("resp: malformed array length")
)

// Parser is the pluggable RESP decoder contract: Feed appends
// freshly-read bytes, and Next attempts to produce one complete top-level
// reply. When there is not yet enough data Next returns (Reply{}, false, nil)
// — the "incomplete" sentinel — and must be retried after the next Feed.
// A non-nil error means the stream is corrupt and the connection should be
// torn down; a server "-ERR ..." reply is NOT an error here, it surfaces as
// a KindError Reply for the caller's resolver to interpret.
type Parser interface {
	Feed(data []byte)
	Next() (Reply, bool, error)
}

// resp2Parser is the pure-Go fallback parser. It decodes directly against a
// buffer.ByteBuf, the same accumulate-then-drain shape used elsewhere in
// this module for generic frame decoders.
type resp2Parser struct {
	buf buffer.ByteBuf
}

// NewParser constructs the default RESP v2 parser.
func NewParser() Parser {
	return &resp2Parser{buf: buffer.NewElasticUnsafeByteBuf(4096)}
}

func (p *resp2Parser) Feed(data []byte) {
	if len(data) > 0 {
		p.buf.WriteBytes(data)
	}
}

func (p *resp2Parser) Next() (Reply, bool, error) {
	reply, n, ok, err := parseOne(p.buf)
	if err != nil || !ok {
		return Reply{}, false, err
	}
	p.buf.ReadBytes(n)
	p.buf.Release()
	return reply, true, nil
}

// parseOne attempts to parse exactly one reply from the readable region of
// buf without consuming it, returning the number of bytes the reply
// occupies so the caller can advance afterwards. ok is false when more data
// is required; err is non-nil only on malformed input.
func parseOne(buf buffer.ByteBuf) (Reply, int, bool, error) {
	if buf.ReadableBytes() < 1 {
		return Reply{}, 0, false, nil
	}
	prefix := buf.PeekBytes(1)[0]

	switch prefix {
	case '+':
		line, lineLen, ok, err := peekLine(buf, 1)
		if !ok || err != nil {
			return Reply{}, 0, ok, err
		}
		return SimpleString(string(line)), 1 + lineLen, true, nil

	case '-':
		line, lineLen, ok, err := peekLine(buf, 1)
		if !ok || err != nil {
			return Reply{}, 0, ok, err
		}
		return Error(string(line)), 1 + lineLen, true, nil

	case ':':
		line, lineLen, ok, err := peekLine(buf, 1)
		if !ok || err != nil {
			return Reply{}, 0, ok, err
		}
		v, convErr := strconv.ParseInt(string(line), 10, 64)
		if convErr != nil {
			return Reply{}, 0, false, ErrInvalidInteger
		}
		return Integer(v), 1 + lineLen, true, nil

	case '$':
		return parseBulk(buf)

	case '*':
		return parseArray(buf)

	default:
		return Reply{}, 0, false, ErrUnknownPrefix
	}
}

var crlf = []byte("\r\n")

// peekLine returns the bytes from offset up to (excluding) the next CRLF,
// plus the total byte length of "content + CRLF" (for the caller's prefix
// byte accounting), without consuming anything.
func peekLine(buf buffer.ByteBuf, offset int) ([]byte, int, bool, error) {
	if buf.ReadableBytes() <= offset {
		return nil, 0, false, nil
	}
	idx := buf.IndexOf(crlf)
	if idx < 0 || idx < offset {
		return nil, 0, false, nil
	}
	return buf.PeekBytes(idx)[offset:], (idx - offset) + 2, true, nil
}

func parseBulk(buf buffer.ByteBuf) (Reply, int, bool, error) {
	line, lineLen, ok, err := peekLine(buf, 1)
	if !ok || err != nil {
		return Reply{}, 0, ok, err
	}
	length, convErr := strconv.Atoi(string(line))
	if convErr != nil {
		return Reply{}, 0, false, ErrInvalidBulkLen
	}
	headerLen := 1 + lineLen
	if length < 0 {
		// $-1\r\n nil bulk string: no payload follows.
		return NilBulkString(), headerLen, true, nil
	}
	total := headerLen + length + 2 // payload + trailing CRLF
	if buf.ReadableBytes() < total {
		return Reply{}, 0, false, nil
	}
	payload := buf.PeekBytes(total)[headerLen : headerLen+length]
	body := make([]byte, length)
	copy(body, payload)
	return BulkString(body), total, true, nil
}

func parseArray(buf buffer.ByteBuf) (Reply, int, bool, error) {
	line, lineLen, ok, err := peekLine(buf, 1)
	if !ok || err != nil {
		return Reply{}, 0, ok, err
	}
	count, convErr := strconv.Atoi(string(line))
	if convErr != nil {
		return Reply{}, 0, false, ErrInvalidArrayLen
	}
	consumed := 1 + lineLen
	if count < 0 {
		return NilArray(), consumed, true, nil
	}

	elements := make([]Reply, 0, count)
	for i := 0; i < count; i++ {
		sub := buf.PeekBytes(buf.ReadableBytes())[consumed:]
		subBuf := buffer.NewElasticUnsafeByteBuf(len(sub))
		subBuf.WriteBytes(sub)

		elem, n, ok, err := parseOne(subBuf)
		if err != nil {
			return Reply{}, 0, false, err
		}
		if !ok {
			return Reply{}, 0, false, nil
		}
		elements = append(elements, elem)
		consumed += n
	}
	return Array(elements), consumed, true, nil
}
