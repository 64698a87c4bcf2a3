package util

import (
	"fmt"
	"strings"
)

const (
	// TaskDelimiter separates a package name from a task name in a task ID.
	TaskDelimiter = "#"
	// RootPkgName is the reserved name of the workspace root package.
	RootPkgName = "//"
)

// TaskID returns a package-task identifier (e.g. "api#build").
func TaskID(pkgName string, taskName string) string {
	if IsPackageTask(taskName) {
		return taskName
	}
	return fmt.Sprintf("%s%s%s", pkgName, TaskDelimiter, taskName)
}

// PackageAndTask splits a taskID into its package and task name components.
func PackageAndTask(taskID string) (pkg string, task string) {
	idx := strings.Index(taskID, TaskDelimiter)
	if idx < 0 {
		return "", taskID
	}
	return taskID[:idx], taskID[idx+1:]
}

// IsPackageTask returns true if name is already in "pkg#task" form.
func IsPackageTask(name string) bool {
	return strings.Index(name, TaskDelimiter) > 0
}

// StripPackage removes the package portion of a taskID, if any.
func StripPackage(taskID string) string {
	if IsPackageTask(taskID) {
		_, task := PackageAndTask(taskID)
		return task
	}
	return taskID
}
