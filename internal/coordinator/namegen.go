package coordinator

import "github.com/scalebox/scalebox/internal/namegen"

func chooseName(taken map[string]bool) string {
	return namegen.Generate(taken)
}
