// Package fingerprint computes, renders and stores the content fingerprint of
// a published package.
//
// A fingerprint is a canonical text block:
//
//	<identity>
//	---
//	<relative path>:<digest>
//	...
//
// Lines are sorted by relative path, paths are relative to a stable root and
// slash separated, and digests are base64 encodings of a streaming content
// hash. A file that does not exist contributes the literal digest "missing".
// Two packages with the same identity and byte-identical files always render
// byte-identical text, regardless of iteration order or where the build lives
// on disk.
//
// The fingerprint store keeps the last accepted rendering per publication so
// a later pass can decide whether publishing again is necessary. That decision
// is a plain text comparison: see ShouldPublish.
package fingerprint
