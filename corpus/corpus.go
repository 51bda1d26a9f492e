// Package corpus loads the handwritten-text corpus -- images of handwritten
// lines plus their transcriptions -- and partitions it into training and
// validation index sets.
//
// The corpus is a directory of image files plus a labels file with one
// tab-separated `<relative path>\t<transcription>` entry per line. The order
// of the entries defines the sample indices used everywhere else: by the
// provenance Ranges, by NewSplit and by Dataset.
//
// The corpus mixes three provenance groups stored as contiguous index blocks:
// scanned forms first, then in-the-wild photos, then synthetic (GAN) images.
// See Ranges.
package corpus

import (
	"bufio"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path"
	"strings"

	"github.com/pkg/errors"
)

// DefaultLetters are the characters recognized by the default alphabet:
// digits, basic punctuation, the latin alphabet and the full set of
// Vietnamese vowels with diacritics, both cases.
const DefaultLetters = " 0123456789" +
	"abcdefghijklmnopqrstuvwxyz" +
	"ABCDEFGHIJKLMNOPQRSTUVWXYZ" +
	"àáảãạăằắẳẵặâầấẩẫậèéẻẽẹêềếểễệìíỉĩịòóỏõọôồốổỗộơờớởỡợùúủũụưừứửữựỳýỷỹỵđ" +
	"ÀÁẢÃẠĂẰẮẲẴẶÂẦẤẨẪẬÈÉẺẼẸÊỀẾỂỄỆÌÍỈĨỊÒÓỎÕỌÔỒỐỔỖỘƠỜỚỞỠỢÙÚỦŨỤƯỪỨỬỮỰỲÝỶỸỴĐ" +
	"'-,.:/()"

// Alphabet maps the characters of the transcriptions to dense class indices
// and back. Class 0 is reserved for padding and never assigned to a
// character, so Size() is one larger than the number of letters.
type Alphabet struct {
	letters []rune
	indices map[rune]int32
}

// NewAlphabet creates an Alphabet from the given set of letters. Repeated
// letters are ignored.
func NewAlphabet(letters string) *Alphabet {
	a := &Alphabet{indices: make(map[rune]int32)}
	for _, r := range letters {
		if _, found := a.indices[r]; found {
			continue
		}
		a.letters = append(a.letters, r)
		a.indices[r] = int32(len(a.letters)) // Class 0 is the padding class.
	}
	return a
}

// Size returns the number of classes, including the padding class 0.
func (a *Alphabet) Size() int { return len(a.letters) + 1 }

// Encode the text into a sequence of class indices. It returns an error on
// the first character not covered by the alphabet.
func (a *Alphabet) Encode(text string) ([]int32, error) {
	encoded := make([]int32, 0, len(text))
	for _, r := range text {
		idx, found := a.indices[r]
		if !found {
			return nil, errors.Errorf("character %q is not in the alphabet", r)
		}
		encoded = append(encoded, idx)
	}
	return encoded, nil
}

// Decode converts class indices back to text. Padding (class 0) and
// out-of-range indices are skipped.
func (a *Alphabet) Decode(ids []int32) string {
	var sb strings.Builder
	for _, id := range ids {
		if id <= 0 || int(id) > len(a.letters) {
			continue
		}
		sb.WriteRune(a.letters[id-1])
	}
	return sb.String()
}

// Corpus gives indexed access to the labeled samples. It is immutable after
// Load, so it is safe for concurrent use by parallel data loaders.
type Corpus struct {
	baseDir     string
	alphabet    *Alphabet
	maxLabelLen int

	paths  []string
	labels [][]int32
}

// Load reads the labels file and prepares a Corpus rooted at baseDir. Images
// are not read yet, they get decoded on demand by Sample.
//
// Every transcription must be encodable by the alphabet and no longer than
// maxLabelLen: both are checked up front, so training fails fast instead of
// mid-epoch.
func Load(baseDir, labelsFile string, alphabet *Alphabet, maxLabelLen int) (*Corpus, error) {
	if maxLabelLen <= 0 {
		return nil, errors.Errorf("maxLabelLen must be positive, got %d", maxLabelLen)
	}
	f, err := os.Open(labelsFile)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open labels file %q", labelsFile)
	}
	defer func() { _ = f.Close() }()

	c := &Corpus{
		baseDir:     baseDir,
		alphabet:    alphabet,
		maxLabelLen: maxLabelLen,
	}
	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			return nil, errors.Errorf("%s:%d: expected \"<path>\\t<transcription>\", got %q", labelsFile, lineNum, line)
		}
		label, err := alphabet.Encode(parts[1])
		if err != nil {
			return nil, errors.WithMessagef(err, "%s:%d", labelsFile, lineNum)
		}
		if len(label) > maxLabelLen {
			return nil, errors.Errorf("%s:%d: transcription has %d characters, limit is %d",
				labelsFile, lineNum, len(label), maxLabelLen)
		}
		c.paths = append(c.paths, parts[0])
		c.labels = append(c.labels, label)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrapf(err, "failed reading labels file %q", labelsFile)
	}
	if len(c.paths) == 0 {
		return nil, errors.Errorf("labels file %q has no entries", labelsFile)
	}
	return c, nil
}

// Len returns the number of samples in the corpus.
func (c *Corpus) Len() int { return len(c.paths) }

// Alphabet used to encode the transcriptions.
func (c *Corpus) Alphabet() *Alphabet { return c.alphabet }

// MaxLabelLen is the width labels are padded to when batched.
func (c *Corpus) MaxLabelLen() int { return c.maxLabelLen }

// Label returns the encoded (unpadded) transcription of the given sample.
func (c *Corpus) Label(index int) []int32 { return c.labels[index] }

// Sample reads and decodes the image of the given index and returns it along
// with the encoded label and its true (unpadded) length.
func (c *Corpus) Sample(index int) (img image.Image, label []int32, length int, err error) {
	if index < 0 || index >= len(c.paths) {
		err = errors.Errorf("sample index %d out of range, corpus has %d samples", index, len(c.paths))
		return
	}
	img, err = GetImageFromFilePath(path.Join(c.baseDir, c.paths[index]))
	if err != nil {
		err = errors.WithMessagef(err, "while reading sample %d (%s)", index, c.paths[index])
		return
	}
	label = c.labels[index]
	length = len(label)
	return
}

// GetImageFromFilePath opens and decodes one image file.
func GetImageFromFilePath(imagePath string) (image.Image, error) {
	f, err := os.Open(imagePath)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	img, _, err := image.Decode(f)
	return img, err
}
