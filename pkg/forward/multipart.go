package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"mime/multipart"
	"net/textproto"
	"os"
	"strings"

	"github.com/getmockd/interceptor/pkg/capture"
)

var quoteEscaper = strings.NewReplacer("\\", "\\\\", `"`, "\\\"")

// multipartFraming picks a fresh boundary and the content type announcing it.
func multipartFraming() (boundary, contentType string) {
	mw := multipart.NewWriter(io.Discard)
	return mw.Boundary(), mw.FormDataContentType()
}

// encodeMultipart streams the fields as a multipart body framed by boundary.
// Every call yields an independent body, so it can back http.Request.GetBody.
func (e *Engine) encodeMultipart(ctx context.Context, id string, fields []capture.FormField, boundary string) io.ReadCloser {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	if err := mw.SetBoundary(boundary); err != nil {
		_ = pw.CloseWithError(err)
		return pr
	}

	go func() {
		err := e.writeFields(ctx, id, mw, fields)
		if err == nil {
			err = mw.Close()
		}
		_ = pw.CloseWithError(err)
	}()

	return pr
}

func (e *Engine) writeFields(ctx context.Context, id string, mw *multipart.Writer, fields []capture.FormField) error {
	for _, f := range fields {
		if err := ctx.Err(); err != nil {
			return err
		}
		switch v := f.Value.(type) {
		case capture.Scalar:
			if err := mw.WriteField(f.Name, v.Value); err != nil {
				return err
			}
		case capture.File:
			if err := e.writeFile(id, mw, f.Name, v); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e *Engine) writeFile(id string, mw *multipart.Writer, name string, file capture.File) error {
	src, err := os.Open(file.Path)
	if errors.Is(err, fs.ErrNotExist) {
		e.log.Warn("attachment missing, skipping field", "id", id, "field", name, "path", file.Path)
		return nil
	}
	if err != nil {
		return fmt.Errorf("opening attachment %s: %w", file.Path, err)
	}
	defer func() { _ = src.Close() }()

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="%s"; filename="%s"`,
		quoteEscaper.Replace(name), quoteEscaper.Replace(file.OriginalFilename)))
	mimeType := file.MimeType
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}
	h.Set("Content-Type", mimeType)

	w, err := mw.CreatePart(h)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		return fmt.Errorf("streaming attachment %s: %w", file.Path, err)
	}
	return nil
}
