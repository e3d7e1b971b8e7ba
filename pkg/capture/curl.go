package capture

import (
	"slices"
	"strings"
)

// CurlCommand renders the request as a curl invocation against baseURL.
// The host header is skipped; curl derives it from the URL.
func CurlCommand(r StoredRequest, baseURL string) string {
	var sb strings.Builder
	sb.WriteString("curl -X ")
	sb.WriteString(strings.ToUpper(r.Method))
	sb.WriteByte(' ')
	sb.WriteString(shellQuote(strings.TrimRight(baseURL, "/") + r.URL))

	keys := make([]string, 0, len(r.Headers))
	for k := range r.Headers {
		if strings.EqualFold(k, "host") {
			continue
		}
		// curl -F computes its own multipart content type and length.
		if _, ok := r.Payload.(MultipartBody); ok && (strings.EqualFold(k, "content-type") || strings.EqualFold(k, "content-length")) {
			continue
		}
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		sb.WriteString(" -H ")
		sb.WriteString(shellQuote(k + ": " + r.Headers[k]))
	}

	switch p := r.Payload.(type) {
	case MultipartBody:
		for _, f := range p.Fields {
			sb.WriteString(" -F ")
			switch v := f.Value.(type) {
			case File:
				sb.WriteString(shellQuote(f.Name + "=@" + v.Path))
			case Scalar:
				sb.WriteString(shellQuote(f.Name + "=" + v.Value))
			}
		}
	case TextBody:
		if p.Text != "" {
			sb.WriteString(" --data ")
			sb.WriteString(shellQuote(p.Text))
		}
	}

	return sb.String()
}

// shellQuote wraps s in single quotes for POSIX shells.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
