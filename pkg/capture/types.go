// Package capture defines the records kept for every intercepted exchange.
package capture

import (
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"
)

// UnknownIP is recorded when the caller address cannot be determined.
const UnknownIP = "UNKNOWN"

// StatusPending is the status carried by new_request summaries.
const StatusPending = "pending"

// Errors returned by StoredRequest.Apply.
var (
	ErrAlreadyResolved = errors.New("request already resolved")
	ErrEmptyOutcome    = errors.New("outcome carries neither response nor error")
)

// FieldValue is the value of a decoded multipart part: either Scalar or File.
type FieldValue interface {
	isFieldValue()
}

// Scalar is a plain form value.
type Scalar struct {
	Value string
}

// File is an uploaded attachment persisted to a scratch file.
type File struct {
	Path             string
	OriginalFilename string
	MimeType         string
	Size             int64
}

func (Scalar) isFieldValue() {}
func (File) isFieldValue()   {}

// FormField is one decoded multipart part.
type FormField struct {
	Name  string
	Value FieldValue
}

// ScalarField builds a scalar form field.
func ScalarField(name, value string) FormField {
	return FormField{Name: name, Value: Scalar{Value: value}}
}

// FileField builds a file form field.
func FileField(name string, f File) FormField {
	return FormField{Name: name, Value: f}
}

// AsFile returns the file variant, if that is what the field holds.
func (f FormField) AsFile() (File, bool) {
	v, ok := f.Value.(File)
	return v, ok
}

type formFieldJSON struct {
	Name             string  `json:"name"`
	Value            *string `json:"value,omitempty"`
	FilePath         string  `json:"filePath,omitempty"`
	OriginalFilename string  `json:"originalFilename,omitempty"`
	MimeType         string  `json:"mimeType,omitempty"`
	Size             *int64  `json:"size,omitempty"`
}

// MarshalJSON renders the variant-specific shape.
func (f FormField) MarshalJSON() ([]byte, error) {
	out := formFieldJSON{Name: f.Name}
	switch v := f.Value.(type) {
	case Scalar:
		out.Value = &v.Value
	case File:
		out.FilePath = v.Path
		out.OriginalFilename = v.OriginalFilename
		out.MimeType = v.MimeType
		out.Size = &v.Size
	default:
		return nil, fmt.Errorf("form field %q has no value", f.Name)
	}
	return json.Marshal(out)
}

// UnmarshalJSON selects the File variant when filePath is present.
func (f *FormField) UnmarshalJSON(data []byte) error {
	var in formFieldJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	f.Name = in.Name
	if in.FilePath != "" {
		file := File{Path: in.FilePath, OriginalFilename: in.OriginalFilename, MimeType: in.MimeType}
		if in.Size != nil {
			file.Size = *in.Size
		}
		f.Value = file
		return nil
	}
	var value string
	if in.Value != nil {
		value = *in.Value
	}
	f.Value = Scalar{Value: value}
	return nil
}

// Payload is the captured request body: TextBody or MultipartBody.
type Payload interface {
	isPayload()
}

// TextBody is a raw, non-multipart body. It may be empty.
type TextBody struct {
	Text string
}

// MultipartBody is a decoded multipart/form-data body.
type MultipartBody struct {
	Fields []FormField
}

func (TextBody) isPayload()      {}
func (MultipartBody) isPayload() {}

// Text wraps a raw body.
func Text(s string) Payload { return TextBody{Text: s} }

// Multipart wraps decoded form fields.
func Multipart(fields []FormField) Payload { return MultipartBody{Fields: fields} }

// ResponseRecord is the normalized answer of the target.
type ResponseRecord struct {
	StatusCode  int               `json:"statusCode"`
	Headers     map[string]string `json:"headers"`
	Body        string            `json:"body"`
	TimeTakenMs int64             `json:"timeTakenMs"`
}

// Outcome resolves a pending request with either a response or an error message.
type Outcome struct {
	response *ResponseRecord
	err      string
}

// Resolved is the outcome of a forward that produced a response.
func Resolved(resp ResponseRecord) Outcome {
	return Outcome{response: &resp}
}

// Failed is the outcome of a forward that produced no response.
func Failed(msg string) Outcome {
	if msg == "" {
		msg = "forwarding failed"
	}
	return Outcome{err: msg}
}

// Response returns the response, if the outcome has one.
func (o Outcome) Response() (ResponseRecord, bool) {
	if o.response == nil {
		return ResponseRecord{}, false
	}
	return *o.response, true
}

// Err returns the failure message, or "".
func (o Outcome) Err() string { return o.err }

// Valid reports whether the outcome was built by Resolved or Failed.
func (o Outcome) Valid() bool { return o.response != nil || o.err != "" }

// StoredRequest is one captured exchange.
type StoredRequest struct {
	ID        string
	Method    string
	URL       string
	Headers   map[string]string
	Query     map[string]string
	Payload   Payload
	IP        string
	Timestamp time.Time

	Response *ResponseRecord
	Error    string
}

// Pending reports whether forwarding has not resolved yet.
func (r *StoredRequest) Pending() bool {
	return r.Response == nil && r.Error == ""
}

// Outcome returns the recorded resolution, or false while pending.
func (r *StoredRequest) Outcome() (Outcome, bool) {
	switch {
	case r.Response != nil:
		return Resolved(*r.Response), true
	case r.Error != "":
		return Failed(r.Error), true
	}
	return Outcome{}, false
}

// Apply records the outcome. It fails if the request is already resolved.
func (r *StoredRequest) Apply(o Outcome) error {
	if !o.Valid() {
		return ErrEmptyOutcome
	}
	if !r.Pending() {
		return ErrAlreadyResolved
	}
	if resp, ok := o.Response(); ok {
		r.Response = &resp
		return nil
	}
	r.Error = o.Err()
	return nil
}

// FormFields returns the decoded fields for multipart requests, else nil.
func (r *StoredRequest) FormFields() []FormField {
	if mp, ok := r.Payload.(MultipartBody); ok {
		return mp.Fields
	}
	return nil
}

// Body returns the raw body and true for non-multipart requests.
func (r *StoredRequest) Body() (string, bool) {
	if tb, ok := r.Payload.(TextBody); ok {
		return tb.Text, true
	}
	return "", false
}

// Clone returns a deep copy. Store reads hand out clones.
func (r StoredRequest) Clone() StoredRequest {
	out := r
	out.Headers = maps.Clone(r.Headers)
	out.Query = maps.Clone(r.Query)
	if mp, ok := r.Payload.(MultipartBody); ok {
		out.Payload = MultipartBody{Fields: slices.Clone(mp.Fields)}
	}
	if r.Response != nil {
		resp := *r.Response
		resp.Headers = maps.Clone(r.Response.Headers)
		out.Response = &resp
	}
	return out
}

// Summary is the payload of a new_request event.
type Summary struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	URL    string `json:"url"`
	Status string `json:"status"`
}

// Summary returns the announcement for a freshly inserted request.
func (r *StoredRequest) Summary() Summary {
	return Summary{ID: r.ID, Method: r.Method, URL: r.URL, Status: StatusPending}
}

// Update is the payload of an update_request event.
type Update struct {
	ID       string          `json:"id"`
	Response *ResponseRecord `json:"response,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// NewUpdate builds the announcement for a resolved request.
func NewUpdate(id string, o Outcome) Update {
	u := Update{ID: id, Error: o.Err()}
	if resp, ok := o.Response(); ok {
		u.Response = &resp
	}
	return u
}

type storedRequestJSON struct {
	ID         string            `json:"id"`
	Method     string            `json:"method"`
	URL        string            `json:"url"`
	Headers    map[string]string `json:"headers"`
	Query      map[string]string `json:"query"`
	Body       *string           `json:"body,omitempty"`
	FormFields *[]FormField      `json:"formFields,omitempty"`
	IP         string            `json:"ip"`
	Timestamp  int64             `json:"timestamp"`
	Response   *ResponseRecord   `json:"response,omitempty"`
	Error      string            `json:"error,omitempty"`
}

// MarshalJSON emits body or formFields depending on the payload variant.
// Timestamps are unix milliseconds.
func (r StoredRequest) MarshalJSON() ([]byte, error) {
	out := storedRequestJSON{
		ID:        r.ID,
		Method:    r.Method,
		URL:       r.URL,
		Headers:   r.Headers,
		Query:     r.Query,
		IP:        r.IP,
		Timestamp: r.Timestamp.UnixMilli(),
		Response:  r.Response,
		Error:     r.Error,
	}
	if out.Headers == nil {
		out.Headers = map[string]string{}
	}
	if out.Query == nil {
		out.Query = map[string]string{}
	}
	switch p := r.Payload.(type) {
	case MultipartBody:
		fields := p.Fields
		if fields == nil {
			fields = []FormField{}
		}
		out.FormFields = &fields
	case TextBody:
		out.Body = &p.Text
	default:
		empty := ""
		out.Body = &empty
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores the payload variant from body or formFields.
func (r *StoredRequest) UnmarshalJSON(data []byte) error {
	var in storedRequestJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.Body != nil && in.FormFields != nil {
		return errors.New("capture: request has both body and formFields")
	}
	*r = StoredRequest{
		ID:        in.ID,
		Method:    in.Method,
		URL:       in.URL,
		Headers:   in.Headers,
		Query:     in.Query,
		IP:        in.IP,
		Timestamp: time.UnixMilli(in.Timestamp),
		Response:  in.Response,
		Error:     in.Error,
	}
	if in.FormFields != nil {
		r.Payload = MultipartBody{Fields: *in.FormFields}
	} else {
		var body string
		if in.Body != nil {
			body = *in.Body
		}
		r.Payload = TextBody{Text: body}
	}
	return nil
}
