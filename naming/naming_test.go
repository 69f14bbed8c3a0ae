package naming

import (
	"strings"
	"testing"
	"time"

	"github.com/nalgeon/be"
)

func TestSanitizeSubject(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		want    string
	}{
		{"plain", "Quarterly report", "Quarterly report"},
		{"slashes become spaces", "a/b/c", "a b c"},
		{"trimmed after replacement", "/leading and trailing/", "leading and trailing"},
		{"only slashes", "///", ""},
		{"empty", "", ""},
		{
			"long subject truncated to 60",
			"Invoice/March 2024: final notice for clients who have not yet paid their outstanding balance",
			"Invoice March 2024: final notice for clients who have not ye",
		},
		{"other characters untouched", `a:b\c*d?`, `a:b\c*d?`},
		{"multibyte kept whole", strings.Repeat("é", 70), strings.Repeat("é", 60)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SanitizeSubject(tt.subject, Options{})
			be.Equal(t, got, tt.want)
			be.True(t, !strings.Contains(got, "/"))
		})
	}
}

func TestSanitizeSubjectLengthBound(t *testing.T) {
	subjects := []string{
		strings.Repeat("x/", 100),
		"  " + strings.Repeat("y", 61) + "  ",
		strings.Repeat("日本語/", 40),
	}
	for _, s := range subjects {
		got := SanitizeSubject(s, Options{})
		be.True(t, len([]rune(got)) <= DefaultMaxSubjectLength)
		be.True(t, !strings.Contains(got, "/"))
	}
}

func TestSanitizeSubjectCustomLength(t *testing.T) {
	got := SanitizeSubject("abcdefghij", Options{MaxSubjectLength: 4})
	be.Equal(t, got, "abcd")
}

func TestSanitizeSubjectInvalidUTF8(t *testing.T) {
	got := SanitizeSubject("caf\xe9 menu", Options{})
	be.Equal(t, got, "caf\uFFFD menu")
}

func TestFormatDate(t *testing.T) {
	ts := time.Date(2024, time.March, 14, 21, 5, 0, 0, time.UTC)

	be.Equal(t, FormatDate(ts, Options{}), "3_14_24, 9:05 PM")
	be.Equal(t, FormatDate(ts, Options{DateLayout: "2006/01/02"}), "2024_03_14")
}

func TestSanitizeAndFileName(t *testing.T) {
	ts := time.Date(2023, time.December, 1, 8, 30, 0, 0, time.UTC)
	date, subject := Sanitize("Re: lunch/dinner?", ts, Options{})

	be.Equal(t, date, "12_1_23, 8:30 AM")
	be.Equal(t, subject, "Re: lunch dinner?")
	be.Equal(t, FileName(date, subject), "12_1_23, 8:30 AM__Re: lunch dinner?.eml")
}

func TestFolderName(t *testing.T) {
	be.Equal(t, FolderName("", 1), "MIME_Messages_Folder1")
	be.Equal(t, FolderName("Backup", 12), "Backup12")
}
