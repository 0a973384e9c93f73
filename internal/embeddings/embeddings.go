package embeddings

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"sync"

	"golang.org/x/image/draw"

	"github.com/bdougie/deepverify/internal/models"
)

// Dimensions is the length of a frame fingerprint (an 8x8 luma grid)
const Dimensions = 64

const gridSize = 8

// Result represents the result of fingerprinting one frame
type Result struct {
	FrameNum  int
	Embedding []float32
	Error     error
}

// Work represents a unit of fingerprint work
type Work struct {
	Item   models.WorkItem
	Result chan<- Result
}

// Service computes perceptual fingerprints of frames on a worker pool
type Service struct {
	numWorkers int
	workQueue  chan Work
	cache      sync.Map // frame digest -> []float32
	wg         sync.WaitGroup
	closeOnce  sync.Once
}

// NewService creates a new fingerprint service with the specified number of workers
func NewService(numWorkers int) *Service {
	if numWorkers <= 0 {
		numWorkers = 4 // Default to 4 workers if not specified
	}

	service := &Service{
		numWorkers: numWorkers,
		workQueue:  make(chan Work, 100),
	}

	service.startWorkers()

	return service
}

func (s *Service) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for work := range s.workQueue {
				key := sha256.Sum256(work.Item.Frame.Data)
				if cached, ok := s.cache.Load(key); ok {
					work.Result <- Result{FrameNum: work.Item.FrameNum, Embedding: cached.([]float32)}
					continue
				}

				embedding, err := generateEmbedding(work.Item.Frame.Data)
				if err == nil {
					s.cache.Store(key, embedding)
				}

				work.Result <- Result{
					FrameNum:  work.Item.FrameNum,
					Embedding: embedding,
					Error:     err,
				}
			}
		}()
	}
}

// GetEmbedding requests a fingerprint asynchronously
func (s *Service) GetEmbedding(item models.WorkItem) <-chan Result {
	resultChan := make(chan Result, 1)

	select {
	case s.workQueue <- Work{Item: item, Result: resultChan}:
	default:
		resultChan <- Result{
			FrameNum: item.FrameNum,
			Error:    fmt.Errorf("fingerprint queue is full, try again later"),
		}
		close(resultChan)
	}

	return resultChan
}

// Fingerprint returns the unit-length mean of the frame fingerprints
func (s *Service) Fingerprint(ctx context.Context, frames models.FrameSequence) ([]float32, error) {
	if len(frames) == 0 {
		return nil, models.ErrNoFrames
	}

	pending := make([]<-chan Result, len(frames))
	for i, f := range frames {
		pending[i] = s.GetEmbedding(models.WorkItem{Frame: f, FrameNum: i + 1, Total: len(frames)})
	}

	sum := make([]float64, Dimensions)
	for _, ch := range pending {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Error != nil {
				return nil, fmt.Errorf("frame %d/%d fingerprint failed: %w", res.FrameNum, len(frames), res.Error)
			}
			for i, v := range res.Embedding {
				sum[i] += float64(v)
			}
		}
	}

	return normalize(sum), nil
}

// generateEmbedding downsamples the frame to an 8x8 luma grid, centred on its mean
func generateEmbedding(data []byte) ([]float32, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}

	grid := image.NewGray(image.Rect(0, 0, gridSize, gridSize))
	draw.ApproxBiLinear.Scale(grid, grid.Bounds(), img, img.Bounds(), draw.Src, nil)

	var mean float64
	for _, p := range grid.Pix {
		mean += float64(p)
	}
	mean /= float64(len(grid.Pix))

	values := make([]float64, Dimensions)
	for i, p := range grid.Pix {
		values[i] = (float64(p) - mean) / 255
	}
	return normalize(values), nil
}

func normalize(values []float64) []float32 {
	var norm float64
	for _, v := range values {
		norm += v * v
	}
	norm = math.Sqrt(norm)

	out := make([]float32, len(values))
	if norm == 0 {
		return out
	}
	for i, v := range values {
		out[i] = float32(v / norm)
	}
	return out
}

// Close shuts down the service and waits for all workers to finish
func (s *Service) Close() {
	s.closeOnce.Do(func() {
		close(s.workQueue)
	})
	s.wg.Wait()
}
