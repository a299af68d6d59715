//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2024 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package segment

import (
	"context"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/weaviate/segmentkv/adapters/repos/chunkstore"
	"github.com/weaviate/segmentkv/entities/segmentkv"
)

type ChunkReport struct {
	Files  int
	Chunks int
	Bytes  int
}

// VerifyChunks reads and decodes every chunk of the current base index and
// delta files, so magic numbers, CRCs and payload transforms are checked. All
// damaged files are reported, not just the first one.
func (s *Segment[K, V]) VerifyChunks(ctx context.Context) (segmentkv.Result[ChunkReport], error) {
	var report ChunkReport
	err := s.retry(ctx, func(context.Context) error {
		return s.admit()
	})
	if err == nil {
		files := s.acquireFiles()
		err = s.verifyFiles(ctx, files, &report)
		files.unpin()
	}

	res, err := resultOf[ChunkReport](err)
	if res.IsOK() {
		res = segmentkv.OK(report)
	}
	s.metrics.Operation("verify_chunks", res.Status)
	return res, err
}

func (s *Segment[K, V]) verifyFiles(ctx context.Context, files *fileSet[K, V], report *ChunkReport) error {
	var result *multierror.Error

	stores := []*chunkstore.Store{files.index}
	for _, name := range files.props.DeltaFiles {
		store, err := chunkstore.New(s.dir, name, s.opts.chunkOptions()...)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		stores = append(stores, store)
	}

	for _, store := range stores {
		if err := ctx.Err(); err != nil {
			return err
		}
		chunks, n, err := verifyStore(store)
		report.Files++
		report.Chunks += chunks
		report.Bytes += n
		if err != nil {
			s.logger.WithField("action", "segment_verify_chunks").
				WithField("file", store.Name()).
				WithError(err).
				Warn("damaged chunk")
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return errors.Wrap(segmentkv.ErrCorrupted, err.Error())
	}
	return nil
}

func verifyStore(store *chunkstore.Store) (int, int, error) {
	r, err := store.OpenReader(store.Start())
	if err != nil {
		return 0, 0, err
	}
	defer r.Close()

	chunks, n := 0, 0
	for {
		d, err := r.Read()
		if errors.Is(err, io.EOF) {
			return chunks, n, nil
		}
		if err != nil {
			return chunks, n, err
		}
		chunks++
		n += len(d.Payload)
	}
}
