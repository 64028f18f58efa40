// Package queue provides the hand-off queue between pipeline stages and the
// bounded top-K collector used by retrieval.
package queue
