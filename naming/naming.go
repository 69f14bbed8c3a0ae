// Package naming derives the on-disk names of exported messages.
package naming

import (
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
)

const (
	// DefaultMaxSubjectLength bounds the subject part of a file name, in characters.
	DefaultMaxSubjectLength = 60
	// DefaultDateLayout is the en-US short date-time style.
	DefaultDateLayout = "1/2/06, 3:04 PM"
	// DefaultFolderPrefix names the numbered output folders.
	DefaultFolderPrefix = "MIME_Messages_Folder"
	// Extension is appended to every exported message.
	Extension = ".eml"
)

// Options controls how names are derived. Zero values fall back to the defaults.
type Options struct {
	MaxSubjectLength int
	DateLayout       string
}

func (o Options) maxSubjectLength() int {
	if o.MaxSubjectLength <= 0 {
		return DefaultMaxSubjectLength
	}
	return o.MaxSubjectLength
}

func (o Options) dateLayout() string {
	if o.DateLayout == "" {
		return DefaultDateLayout
	}
	return o.DateLayout
}

// Sanitize returns the date and subject components of a message file name.
//
// Slashes in the subject become spaces and the result is trimmed and cut to
// at most MaxSubjectLength characters before being normalized as UTF-8.
// Slashes in the formatted timestamp become underscores. No other characters
// are escaped.
func Sanitize(subject string, ts time.Time, opts Options) (datePart, subjectPart string) {
	return FormatDate(ts, opts), SanitizeSubject(subject, opts)
}

// SanitizeSubject applies the subject half of Sanitize.
func SanitizeSubject(subject string, opts Options) string {
	s := strings.TrimSpace(strings.ReplaceAll(subject, "/", " "))
	s = truncate(s, opts.maxSubjectLength())
	return normalizeUTF8(s)
}

// FormatDate applies the timestamp half of Sanitize. The timestamp keeps the
// location it carries.
func FormatDate(ts time.Time, opts Options) string {
	return strings.ReplaceAll(ts.Format(opts.dateLayout()), "/", "_")
}

// FileName joins the sanitized parts into the exported file name.
func FileName(datePart, subjectPart string) string {
	return datePart + "__" + subjectPart + Extension
}

// FolderName returns the name of the n-th output folder.
func FolderName(prefix string, n int) string {
	if prefix == "" {
		prefix = DefaultFolderPrefix
	}
	return prefix + strconv.Itoa(n)
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	count := 0
	for i := range s {
		if count == limit {
			return s[:i]
		}
		count++
	}
	return s
}

// normalizeUTF8 is a no-op for valid UTF-8; ill-formed bytes become U+FFFD.
func normalizeUTF8(s string) string {
	out, err := unicode.UTF8.NewDecoder().String(s)
	if err != nil {
		return strings.ToValidUTF8(s, "\uFFFD")
	}
	return out
}
