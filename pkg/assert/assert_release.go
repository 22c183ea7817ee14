//go:build release

package assert

func That(bool, string, ...any) {}

func Never(string, ...any) {}
