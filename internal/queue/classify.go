package queue

import (
	"strings"
	"time"
)

// ClassifyOperation tags a command line with a coarse operation type.
func ClassifyOperation(command string, args []string) OperationType {
	line := strings.ToLower(command + " " + strings.Join(args, " "))

	switch {
	case command == "docker" && containsAny(line, "build", "buildx"):
		return OpDockerBuild
	case containsAny(line, "npm install", "npm ci", "yarn install", "pnpm install", "pip install", "go get", "apt-get install", "brew install"):
		return OpPackageInstall
	case containsAny(line, "test", "jest", "pytest", "spec"):
		return OpTestSuite
	case containsAny(line, "build", "compile", "make", "tsc", "webpack"):
		return OpBuildCompile
	case containsAny(line, "generate", "codegen", "protoc", "scaffold"):
		return OpCodeGeneration
	case containsAny(line, "deploy", "publish", "release", "push"):
		return OpDeployment
	case containsAny(line, "migrate", "psql", "mysql", "sqlite", "mongo", "redis-cli"):
		return OpDatabase
	default:
		return OpOther
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// EstimateDuration is a rough expected runtime per operation type, used to
// pick poll recommendations before any real signal exists.
func EstimateDuration(op OperationType) time.Duration {
	switch op {
	case OpPackageInstall:
		return 60 * time.Second
	case OpBuildCompile:
		return 2 * time.Minute
	case OpDockerBuild:
		return 5 * time.Minute
	case OpTestSuite:
		return 2 * time.Minute
	case OpCodeGeneration:
		return 45 * time.Second
	case OpDeployment:
		return 3 * time.Minute
	case OpDatabase:
		return time.Minute
	default:
		return 30 * time.Second
	}
}
