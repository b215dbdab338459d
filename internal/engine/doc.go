// Package engine holds the workflow and run lifecycle controllers. They
// coordinate the composer, object storage and the pipeline engine, keep the
// store's Workflow and Run records consistent across failures of those
// dependencies, and reconcile run status against the engine on read.
//
// Controllers return *Error values whose Kind tells the transport how to
// report them.
package engine
