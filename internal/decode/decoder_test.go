package decode

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/extractable/extractable/constants"
	"github.com/extractable/extractable/internal/common"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n")

// fakeRunner simulates pdftoppm by writing page files next to the prefix.
type fakeRunner struct {
	pages int
	fail  bool
}

func (f fakeRunner) Run(_ context.Context, _ string, args ...string) ([]byte, []byte, error) {
	if f.fail {
		return nil, []byte("Syntax Error: file is damaged"), errors.New("exit status 1")
	}
	prefix := args[len(args)-1]
	for i := 1; i <= f.pages; i++ {
		content := append(append([]byte{}, pngHeader...), byte(i))
		if err := os.WriteFile(fmt.Sprintf("%s-%02d.png", prefix, i), content, 0o600); err != nil {
			return nil, nil, err
		}
	}
	return nil, nil, nil
}

func TestDecodePDFOrdersPages(t *testing.T) {
	d := New(Config{MaxPages: 10}, nil)
	d.runner = fakeRunner{pages: 3}

	pages, err := d.Decode(context.Background(), []byte("%PDF-1.7 fake"), constants.InputPDF)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	for i, p := range pages {
		assert.Equal(t, byte(i+1), p[len(p)-1])
	}
}

func TestDecodePDFMaxPagesCap(t *testing.T) {
	d := New(Config{MaxPages: 2}, nil)
	d.runner = fakeRunner{pages: 5}

	pages, err := d.Decode(context.Background(), []byte("%PDF-1.4"), constants.InputPDF)
	require.NoError(t, err)
	assert.Len(t, pages, 2)
}

func TestDecodePDFRenderFailure(t *testing.T) {
	d := New(Config{}, nil)
	d.runner = fakeRunner{fail: true}

	_, err := d.Decode(context.Background(), []byte("%PDF-1.4"), constants.InputPDF)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedInput))
}

func TestDecodeRejectsNonPDFBytes(t *testing.T) {
	d := New(Config{}, nil)
	_, err := d.Decode(context.Background(), []byte("not a pdf"), constants.InputPDF)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedInput))
}

func TestDecodeImagePassthrough(t *testing.T) {
	d := New(Config{}, nil)
	img := append(append([]byte{}, pngHeader...), 0xAA)

	pages, err := d.Decode(context.Background(), img, constants.InputImages)
	require.NoError(t, err)
	require.Len(t, pages, 1)
	assert.Equal(t, img, pages[0])
}

func TestDecodeRejectsUnknownImageBytes(t *testing.T) {
	d := New(Config{}, nil)
	_, err := d.Decode(context.Background(), []byte("plain text"), constants.InputImages)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedInput))
}

func TestDecodeEmptyInput(t *testing.T) {
	d := New(Config{}, nil)
	_, err := d.Decode(context.Background(), nil, constants.InputImages)
	require.Error(t, err)
	assert.True(t, errors.Is(err, common.ErrUnsupportedInput))
}
