// Package egregora turns conversational exports into a durable, anonymized
// archive of generated posts published as an Atom feed.
//
// The pipeline reads a chat export through a source adapter, cuts the
// message stream into bounded windows, enriches links and media through
// rate-limited LLM calls, retrieves related past posts from a vector index,
// and has a writer agent produce posts for each window. Every committed
// window advances a durable cursor, so a crashed or cancelled run resumes
// where it stopped.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/franklinbaldo/egregora-sub012/cmd/egregora@latest
//
// Create a configuration:
//
//	source:
//	  kind: whatsapp
//	  path: export.zip
//	llm:
//	  models:
//	    - name: gemini-2.5-flash
//	      keys: ["${GEMINI_API_KEY}"]
//	output:
//	  dir: ./site
//
// Run the pipeline and serve the archive:
//
//	egregora run --config egregora.yaml
//	egregora serve --config egregora.yaml
//
// The packages under pkg/ are usable as a library; pkg/pipeline is the
// entry point that wires them together.
package egregora
