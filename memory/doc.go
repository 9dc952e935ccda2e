// Package memory decides what an assistant remembers about its user and
// what it brings back into the prompt.
//
// Architecture:
//   - Pipeline: turns a conversation turn into zero or one memory (trigger,
//     extraction, validation, merge or insert)
//   - Assembler: packs pinned, personal and other memories into a token budget
//   - Router: dispatches to the local or remote Backend and absorbs failures
//   - Gate: decides whether the remote backend may be used
//   - Manager: the facade the chat engine calls before and after each turn
//
// Backends:
//   - store/local: on-device records over a key-value store, lexical
//     embeddings, chromem document index
//   - store/remote: the semantic memory service over HTTP
//
// Embedders:
//   - embedder/lexical: deterministic hashed bag-of-words (default)
//   - embedder/onnx: all-MiniLM-L6-v2 via ONNX Runtime (build tag onnx)
//   - embedder/cached: ristretto cache in front of any Embedder
//
// Hint lists (explicit requests, personal and engagement phrasing, personal
// topics, self-reference, voice shift) live in a YAML lexicon that can be
// overridden and hot reloaded with WatchLexicon.
package memory
