package soft

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/samcharles93/kiln/internal/gpu"
)

var (
	enableRe     = regexp.MustCompile(`^\s*enable\s+([A-Za-z0-9_,\s]+);`)
	entryPointRe = regexp.MustCompile(`@compute(?:\s*@workgroup_size\([^)]*\))?\s*fn\s+([A-Za-z_]\w*)`)
)

type module struct {
	label       string
	entryPoints map[string]struct{}
}

func (m *module) Label() string { return m.label }

// compile performs the checks a WGSL front end would reject early: enable
// directives for features the device lacks, unbalanced delimiters and a
// module without any compute entry point.
func compile(caps gpu.Capabilities, desc gpu.ShaderModuleDescriptor) (*module, error) {
	var msgs []gpu.CompileMessage
	var stack []rune
	var lines []int

	for i, line := range strings.Split(desc.Code, "\n") {
		lineNo := i + 1
		if idx := strings.Index(line, "//"); idx >= 0 {
			line = line[:idx]
		}
		if m := enableRe.FindStringSubmatch(line); m != nil {
			for _, ext := range strings.Split(m[1], ",") {
				ext = strings.TrimSpace(ext)
				if msg := checkExtension(caps, ext); msg != "" {
					msgs = append(msgs, gpu.CompileMessage{Line: lineNo, Message: msg})
				}
			}
		}
		for _, r := range line {
			switch r {
			case '{', '(', '[':
				stack = append(stack, r)
				lines = append(lines, lineNo)
			case '}', ')', ']':
				if len(stack) == 0 || stack[len(stack)-1] != opening(r) {
					msgs = append(msgs, gpu.CompileMessage{Line: lineNo, Message: fmt.Sprintf("unexpected %q", r)})
					continue
				}
				stack = stack[:len(stack)-1]
				lines = lines[:len(lines)-1]
			}
		}
	}
	for i := range stack {
		msgs = append(msgs, gpu.CompileMessage{Line: lines[i], Message: fmt.Sprintf("unclosed %q", stack[i])})
	}

	mod := &module{label: desc.Label, entryPoints: make(map[string]struct{})}
	for _, m := range entryPointRe.FindAllStringSubmatch(desc.Code, -1) {
		mod.entryPoints[m[1]] = struct{}{}
	}
	if len(mod.entryPoints) == 0 {
		msgs = append(msgs, gpu.CompileMessage{Message: "no compute entry point"})
	}
	if len(msgs) > 0 {
		return nil, &gpu.CompileError{Module: desc.Label, Messages: msgs}
	}
	return mod, nil
}

func checkExtension(caps gpu.Capabilities, ext string) string {
	switch ext {
	case "f16":
		if !caps.HasHalfPrecision {
			return "extension f16 is not supported by the device"
		}
	case "subgroups":
		if !caps.HasSubgroupReduction {
			return "extension subgroups is not supported by the device"
		}
	case "":
	default:
		return fmt.Sprintf("unknown extension %q", ext)
	}
	return ""
}

func opening(r rune) rune {
	switch r {
	case '}':
		return '{'
	case ')':
		return '('
	default:
		return '['
	}
}
