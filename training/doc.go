// Package training records which methods a run found hot and turns that
// into a recompilation schedule that can be archived and replayed.
//
// A schedule restored from an archive is shared by every compiler worker of
// the consuming process. Workers claim entries with ClaimAt or ClaimNext;
// each entry is handed to exactly one worker.
package training
