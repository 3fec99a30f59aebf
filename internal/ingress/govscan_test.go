package ingress

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// Router files are thin: validate, delegate, respond. Inline geometric or
// physical math in a router is a governance violation, so this scan fails
// the build if a trigonometric call or a suspicious numeric constant shows
// up in any routes_*.go file.
func TestGovernanceScan_RouterFilesContainNoInlineMath(t *testing.T) {
	forbidden := []*regexp.Regexp{
		regexp.MustCompile(`math\.(Sin|Cos|Tan|Asin|Acos|Atan|Atan2|Sqrt|Pow|Hypot)`),
		regexp.MustCompile(`\b3\.14159`),
		regexp.MustCompile(`math\.Pi\b`),
	}

	files, err := filepath.Glob("routes_*.go")
	require.NoError(t, err)
	require.NotEmpty(t, files, "router files not found; scan is misconfigured")

	for _, file := range files {
		src, err := os.ReadFile(file)
		require.NoError(t, err)
		for lineNo, line := range strings.Split(string(src), "\n") {
			for _, pat := range forbidden {
				require.False(t, pat.MatchString(line),
					"%s:%d: router files must not contain inline math (%s)", file, lineNo+1, pat)
			}
		}
	}
}
