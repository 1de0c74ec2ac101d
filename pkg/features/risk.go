package features

import "strings"

// Extension risk categories.
const (
	RiskOrdinary   = 0
	RiskExecutable = 1
	RiskSystem     = 2
)

var riskTable = map[string]int{
	".exe": RiskExecutable,
	".bat": RiskExecutable,
	".cmd": RiskExecutable,
	".ps1": RiskExecutable,
	".vbs": RiskExecutable,
	".js":  RiskExecutable,
	".scr": RiskExecutable,
	".pif": RiskExecutable,
	".dll": RiskExecutable,
	".com": RiskExecutable,
	".sh":  RiskExecutable,

	".sys":   RiskSystem,
	".ini":   RiskSystem,
	".conf":  RiskSystem,
	".dat":   RiskSystem,
	".reg":   RiskSystem,
	".so":    RiskSystem,
	".dylib": RiskSystem,
}

// RiskCategory classifies an extension (with leading dot, any case).
func RiskCategory(ext string) int {
	return riskTable[strings.ToLower(ext)]
}
