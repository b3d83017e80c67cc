package workflow

import "strings"

// SanitizeLabel converts a node label into a valid identifier for variable
// injection: non-identifier characters become "_" and a leading digit gets a
// "_" prefix. Two labels that sanitize to the same identifier collide; Validate
// rejects such workflows.
func SanitizeLabel(label string) string {
	var b strings.Builder
	b.Grow(len(label) + 1)
	for i, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
