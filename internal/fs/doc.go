// Package fs provides filesystem abstractions for testability and fault injection.
//
// The package defines two key interfaces:
//
//   - [File]: an open file with write/sync capabilities
//   - [FileSystem]: filesystem operations (open, remove, rename, stat, readdir)
//
// Production code uses fs.Default (which is [LocalFS]). Tests inject
// [FaultyFS] to hide files or fail writes:
//
//	ffs := fs.NewFaultyFS(nil)
//	ffs.AddRule("missing.jpg", fs.Fault{Hide: true})
//
// The package does not take context.Context parameters. Local filesystem
// calls are not interruptible at the syscall level.
package fs
