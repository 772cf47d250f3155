// Package upload implements the S3Sender: a bounded-concurrency uploader
// with a FIFO queue, one retry per upload, and deferred streambuf
// materialization, per §4.4. Modeled on the teacher's dispatcher pattern
// (one mutex-guarded queue + ongoing set, work handed off to goroutines
// that re-enter under the lock to report completion) generalized from
// object-store PUT fan-out to S3 multipart upload.
/*
 * Copyright (c) 2024, FleetEdge authors. All rights reserved.
 */
package upload

import "time"

// BuildFunc lazily materializes the bytes to upload. It returns (nil, nil)
// when the underlying data already expired out of the RawDataBuffer while
// queued — §4.4's "build() returns null" — which is reported as
// WrongInputData, not an error.
type BuildFunc func() ([]byte, error)

// Metadata is one upload's destination and transport tuning, per §6.4.
type Metadata struct {
	Bucket         string
	Prefix         string
	Region         string
	BucketOwner    string
	PartSize       int64
	ConnectTimeout time.Duration
}

type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeWrongInputData
	OutcomeTransmissionError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeWrongInputData:
		return "wrong_input_data"
	case OutcomeTransmissionError:
		return "transmission_error"
	default:
		return "unknown"
	}
}

// Result is delivered to a Request's ResultCB exactly once.
type Result struct {
	ObjectKey string
	Outcome   Outcome
	// Streambuf carries the original bytes back to the caller only on
	// OutcomeTransmissionError, so a higher persistence layer can keep
	// data that failed to upload after the retry budget was exhausted.
	Streambuf []byte
}

// Request is one send_stream call, per §4.4.
type Request struct {
	Build     BuildFunc
	Metadata  Metadata
	ObjectKey string
	ResultCB  func(Result)
}

const maxAttempts = 2
