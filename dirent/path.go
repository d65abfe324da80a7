package dirent

import "strings"

// Path is a slash-separated path, split into its non-empty components.
type Path struct {
	Absolute bool
	Comps    []string
	// TrailingSlash records whether the original string ended in '/',
	// legal only for the root path itself.
	TrailingSlash bool
}

// SplitPath parses a path string into its components.
func SplitPath(s string) Path {
	p := Path{Absolute: strings.HasPrefix(s, "/")}
	if len(s) > 1 && strings.HasSuffix(s, "/") {
		p.TrailingSlash = true
	} else if s == "/" {
		p.TrailingSlash = true
	}
	for _, c := range strings.Split(s, "/") {
		if c != "" {
			p.Comps = append(p.Comps, c)
		}
	}
	return p
}

// IsDot reports whether name is ".".
func IsDot(name string) bool { return name == "." }

// IsDotDot reports whether name is "..".
func IsDotDot(name string) bool { return name == ".." }
