// Package formdata decodes multipart/form-data request bodies into form fields,
// streaming file parts into the scratch directory as their bytes arrive.
package formdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"strings"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/logging"
	"github.com/getmockd/interceptor/pkg/scratch"
)

const (
	// DefaultMaxFieldBytes bounds a single scalar (non-file) field.
	DefaultMaxFieldBytes = 1 << 20
	// DefaultMaxParts bounds the number of parts in one body.
	DefaultMaxParts = 1000

	chunkSize = 32 * 1024

	defaultFileMimeType = "application/octet-stream"
)

var (
	// ErrNotMultipart is returned when Decode is handed a non-multipart body.
	ErrNotMultipart = errors.New("content type is not multipart/form-data")
	// ErrFieldTooLarge is returned when a scalar field exceeds MaxFieldBytes.
	ErrFieldTooLarge = errors.New("form field too large")
	// ErrTooManyParts is returned when a body has more than MaxParts parts.
	ErrTooManyParts = errors.New("too many multipart parts")
)

// DecodeError reports a malformed multipart body.
type DecodeError struct {
	// Field is the part being decoded when the failure happened, if any.
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("decoding multipart field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("decoding multipart body: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Options configures a Decoder.
type Options struct {
	// Scratch receives uploaded file bytes. Required.
	Scratch *scratch.Dir
	// MaxFieldBytes bounds scalar fields (default DefaultMaxFieldBytes).
	MaxFieldBytes int64
	// MaxParts bounds the part count (default DefaultMaxParts).
	MaxParts int
	// Logger for decode diagnostics (nil = no logging).
	Logger *slog.Logger
}

// Decoder turns multipart bodies into form fields.
type Decoder struct {
	scratch       *scratch.Dir
	maxFieldBytes int64
	maxParts      int
	log           *slog.Logger
}

// NewDecoder creates a decoder writing files into opts.Scratch.
func NewDecoder(opts Options) *Decoder {
	d := &Decoder{
		scratch:       opts.Scratch,
		maxFieldBytes: opts.MaxFieldBytes,
		maxParts:      opts.MaxParts,
		log:           opts.Logger,
	}
	if d.maxFieldBytes <= 0 {
		d.maxFieldBytes = DefaultMaxFieldBytes
	}
	if d.maxParts <= 0 {
		d.maxParts = DefaultMaxParts
	}
	if d.log == nil {
		d.log = logging.Nop()
	}
	return d
}

// IsMultipart reports whether contentType is multipart/form-data.
func IsMultipart(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "multipart/form-data")
	}
	return mediaType == "multipart/form-data"
}

// Decode reads the whole multipart body and returns its fields in part order.
// Fields are returned only after every part has terminated. On failure the
// error is a *DecodeError; scratch files written so far are left in place.
func (d *Decoder) Decode(ctx context.Context, body io.Reader, contentType string) ([]capture.FormField, error) {
	if !IsMultipart(contentType) {
		return nil, ErrNotMultipart
	}
	_, params, err := mime.ParseMediaType(contentType)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}
	boundary := params["boundary"]
	if boundary == "" {
		return nil, &DecodeError{Err: errors.New("missing boundary")}
	}

	asm := newAssembler(d.scratch, d.maxFieldBytes)
	defer asm.abort()

	if err := d.scan(ctx, multipart.NewReader(body, boundary), asm); err != nil {
		return nil, err
	}

	fields := asm.fields
	d.log.Debug("multipart decoded", "fields", len(fields))
	return fields, nil
}

// scan walks the parts and feeds their lifecycle to the assembler.
func (d *Decoder) scan(ctx context.Context, mr *multipart.Reader, asm *assembler) error {
	buf := make([]byte, chunkSize)
	parts := 0

	for {
		if err := ctx.Err(); err != nil {
			return &DecodeError{Err: err}
		}

		part, err := mr.NextPart()
		// A clean end is a bare io.EOF; a stream that ends early wraps it.
		if err == io.EOF { //nolint:errorlint
			return asm.handle(decodeComplete{})
		}
		if err != nil {
			return &DecodeError{Err: err}
		}

		parts++
		if parts > d.maxParts {
			_ = part.Close()
			return &DecodeError{Err: ErrTooManyParts}
		}

		name := part.FormName()
		if err := asm.handle(fieldStarted{
			name:     name,
			filename: part.FileName(),
			mimeType: part.Header.Get("Content-Type"),
		}); err != nil {
			_ = part.Close()
			return &DecodeError{Field: name, Err: err}
		}

		if err := d.pump(ctx, part, buf, asm); err != nil {
			_ = part.Close()
			return &DecodeError{Field: name, Err: err}
		}
		_ = part.Close()

		if err := asm.handle(fieldComplete{}); err != nil {
			return &DecodeError{Field: name, Err: err}
		}
	}
}

// pump forwards the bytes of one part as chunk events.
func (d *Decoder) pump(ctx context.Context, part io.Reader, buf []byte, asm *assembler) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := part.Read(buf)
		if n > 0 {
			if herr := asm.handle(chunk{data: buf[:n]}); herr != nil {
				return herr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
