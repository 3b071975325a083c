package approval

import "strings"

// ScoreRisk rates a command line from 1 (routine) to 10 for display in the
// approval UI. The score never gates anything; it only orders and colours
// cards so a human can triage faster.
func ScoreRisk(command string, args []string) int {
	line := strings.ToLower(command + " " + strings.Join(args, " "))

	switch {
	case strings.Contains(line, "rm ") || strings.HasPrefix(line, "rm") ||
		strings.Contains(line, "del ") || strings.Contains(line, "rmdir"):
		return 8
	case strings.HasPrefix(line, "docker"):
		return 5
	case strings.Contains(line, "npm install") || strings.Contains(line, "yarn install") ||
		strings.Contains(line, "pnpm install") || strings.Contains(line, "pip install"):
		return 3
	default:
		return 1
	}
}
