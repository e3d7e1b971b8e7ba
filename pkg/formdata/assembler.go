package formdata

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/getmockd/interceptor/pkg/capture"
	"github.com/getmockd/interceptor/pkg/scratch"
)

// event is one step in the lifecycle of a multipart body.
type event interface {
	isEvent()
}

type fieldStarted struct {
	name     string
	filename string
	mimeType string
}

type chunk struct {
	data []byte
}

type fieldComplete struct{}

type decodeComplete struct{}

func (fieldStarted) isEvent()   {}
func (chunk) isEvent()          {}
func (fieldComplete) isEvent()  {}
func (decodeComplete) isEvent() {}

type assemblerState int

const (
	stateIdle assemblerState = iota
	stateScalar
	stateFile
	stateDone
)

func (s assemblerState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateScalar:
		return "scalar"
	case stateFile:
		return "file"
	case stateDone:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var errUnexpectedEvent = errors.New("unexpected multipart event")

// assembler accumulates form fields from decode events. At most one scratch
// file is open at a time and it is closed on fieldComplete or abort.
type assembler struct {
	scratch  *scratch.Dir
	maxField int64

	state  assemblerState
	fields []capture.FormField

	name   string
	value  strings.Builder
	file   *os.File
	upload capture.File
}

func newAssembler(dir *scratch.Dir, maxField int64) *assembler {
	return &assembler{scratch: dir, maxField: maxField, fields: []capture.FormField{}}
}

func (a *assembler) handle(ev event) error {
	switch e := ev.(type) {
	case fieldStarted:
		if a.state != stateIdle {
			return a.unexpected(ev)
		}
		return a.start(e)

	case chunk:
		switch a.state {
		case stateScalar:
			if int64(a.value.Len())+int64(len(e.data)) > a.maxField {
				return ErrFieldTooLarge
			}
			a.value.Write(e.data)
			return nil
		case stateFile:
			n, err := a.file.Write(e.data)
			a.upload.Size += int64(n)
			if err != nil {
				return fmt.Errorf("writing %s: %w", a.upload.Path, err)
			}
			return nil
		default:
			return a.unexpected(ev)
		}

	case fieldComplete:
		switch a.state {
		case stateScalar:
			a.fields = append(a.fields, capture.ScalarField(a.name, a.value.String()))
		case stateFile:
			err := a.file.Close()
			a.file = nil
			if err != nil {
				return fmt.Errorf("closing %s: %w", a.upload.Path, err)
			}
			a.fields = append(a.fields, capture.FileField(a.name, a.upload))
		default:
			return a.unexpected(ev)
		}
		a.reset()
		return nil

	case decodeComplete:
		if a.state != stateIdle {
			return a.unexpected(ev)
		}
		a.state = stateDone
		return nil
	}
	return a.unexpected(ev)
}

func (a *assembler) start(e fieldStarted) error {
	a.name = e.name
	if e.filename == "" {
		a.state = stateScalar
		return nil
	}
	if a.scratch == nil {
		return errors.New("no scratch directory configured for file uploads")
	}

	f, err := a.scratch.Create(e.filename)
	if err != nil {
		return err
	}
	mimeType := e.mimeType
	if mimeType == "" {
		mimeType = defaultFileMimeType
	}
	a.file = f
	a.upload = capture.File{
		Path:             f.Name(),
		OriginalFilename: e.filename,
		MimeType:         mimeType,
	}
	a.state = stateFile
	return nil
}

func (a *assembler) reset() {
	a.state = stateIdle
	a.name = ""
	a.value.Reset()
	a.upload = capture.File{}
}

// abort releases the open scratch file, if any. Safe after completion.
func (a *assembler) abort() {
	if a.file != nil {
		_ = a.file.Close()
		a.file = nil
	}
}

func (a *assembler) unexpected(ev event) error {
	return fmt.Errorf("%w %T in state %s", errUnexpectedEvent, ev, a.state)
}
