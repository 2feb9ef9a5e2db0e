// Package storage persists whole JSON documents, one per document kind.
//
// Every driver stores the same 2-space indented JSON body under a fixed key
// derived from the document's Kind. A single mutex per Store serializes all
// Load/Save/Update calls, so an Update's load+mutate+save cycle is one
// critical section.
package storage
