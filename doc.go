// Package shelfrag is an embeddable retrieval engine for document search.
//
// It pairs an exact flat vector index with a metadata catalog, persisted
// together as durable snapshots, and layers asynchronous document ingestion
// and retrieval-augmented search on top.
//
// # Quick Start
//
// In-memory engine:
//
//	m := shelfrag.New()
//	err := m.AddBatch(ctx, records)
//	matches, err := m.Search(ctx, queryVector, 5)
//
// Durable engine on the local filesystem:
//
//	store, _ := blobstore.NewLocalStore("./data/snapshots")
//	m := shelfrag.New(shelfrag.WithBlobStore(store))
//	_ = m.Load(ctx)  // restore previous state, if any
//
// # Layers
//
// The packages stack bottom-up:
//
//	distance, chunker      primitives: similarity math, text windowing
//	index/flat             exact inner-product index with binary snapshots
//	catalog, jobstore      vector metadata + book registry, upload job status
//	shelfrag (this pkg)    the index/catalog pair behind one lock
//	provider, extract      embedding/generation clients, text extraction
//	ingest, search         upload pipeline, RAG query orchestration
//	server, cmd/shelfragd  HTTP API and the service binary
//
// Removal is expressed as a rebuild: deleting a book drops its rows from the
// catalog and reconstructs the index from the survivors' stored embeddings.
package shelfrag
