package capture

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCurlCommand(t *testing.T) {
	tests := []struct {
		name string
		req  StoredRequest
		base string
		want string
	}{
		{
			name: "text body",
			req: StoredRequest{
				Method:  "post",
				URL:     "/items",
				Headers: map[string]string{"host": "localhost:3000", "content-type": "application/json", "accept": "*/*"},
				Payload: Text(`{"a":1}`),
			},
			base: "http://api.local/",
			want: `curl -X POST 'http://api.local/items' -H 'accept: */*' -H 'content-type: application/json' --data '{"a":1}'`,
		},
		{
			name: "empty body",
			req:  StoredRequest{Method: "GET", URL: "/ping", Payload: Text("")},
			want: `curl -X GET '/ping'`,
		},
		{
			name: "multipart drops content type",
			req: StoredRequest{
				Method:  "POST",
				URL:     "/upload",
				Headers: map[string]string{"content-type": "multipart/form-data; boundary=x", "x-trace": "1"},
				Payload: Multipart([]FormField{
					ScalarField("name", "bar"),
					FileField("upload", File{Path: "/tmp/f.bin"}),
				}),
			},
			base: "http://t",
			want: `curl -X POST 'http://t/upload' -H 'x-trace: 1' -F 'name=bar' -F 'upload=@/tmp/f.bin'`,
		},
		{
			name: "single quotes escaped",
			req:  StoredRequest{Method: "PUT", URL: "/q", Payload: Text("it's")},
			want: `curl -X PUT '/q' --data 'it'\''s'`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CurlCommand(tt.req, tt.base))
		})
	}
}
