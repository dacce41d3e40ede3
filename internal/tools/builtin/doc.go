// Package builtin holds the tools shipped with every deployment: email
// delivery through Gmail, wall-clock time, language switching, and caller
// hang-up. Each constructor returns a tools.Spec ready for registration.
package builtin
