package cosync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
)

const (
	binaryItemStart = "start"
	binaryItemChunk = "chunk"
	binaryItemEnd   = "end"
)

const DefaultBinaryChunkSize = 100 * 1024

type binaryItemJson struct {
	Type           string `json:"type"`
	MimeType       string `json:"mimeType,omitempty"`
	FileName       string `json:"fileName,omitempty"`
	TotalSizeBytes int64  `json:"totalSizeBytes,omitempty"`
	// base64 in json
	Chunk []byte `json:"chunk,omitempty"`
}

type BinaryStreamInfo struct {
	SessionId      SessionId
	MimeType       string
	FileName       string
	TotalSizeBytes int64
	Chunks         [][]byte
	Finished       bool
}

func (self *BinaryStreamInfo) SizeBytes() int64 {
	var size int64
	for _, chunk := range self.Chunks {
		size += int64(len(chunk))
	}
	return size
}

type binaryState struct {
	// in total order of the start items
	streams []*BinaryStreamInfo
}

// one `start ... end` bracket per session
// items outside of the bracket are ignored
func buildBinaryState(txs []*DecodedTransaction) *binaryState {
	streamState := buildStreamState(txs)
	binaryState := &binaryState{
		streams: []*BinaryStreamInfo{},
	}

	starts := map[SessionId]TxPosition{}
	for _, sessionId := range sortedKeys(streamState.sessions) {
		var info *BinaryStreamInfo
		for _, entry := range streamState.sessions[sessionId] {
			var item binaryItemJson
			if err := json.Unmarshal(entry.Value, &item); err != nil {
				continue
			}
			if info == nil {
				if item.Type == binaryItemStart {
					info = &BinaryStreamInfo{
						SessionId:      sessionId,
						MimeType:       item.MimeType,
						FileName:       item.FileName,
						TotalSizeBytes: item.TotalSizeBytes,
						Chunks:         [][]byte{},
					}
					starts[sessionId] = entry.Position
				}
				continue
			}
			if info.Finished {
				break
			}
			switch item.Type {
			case binaryItemChunk:
				info.Chunks = append(info.Chunks, item.Chunk)
			case binaryItemEnd:
				info.Finished = true
			}
		}
		if info != nil {
			binaryState.streams = append(binaryState.streams, info)
		}
	}

	slices.SortFunc(binaryState.streams, func(a *BinaryStreamInfo, b *BinaryStreamInfo) int {
		return starts[a.SessionId].Compare(starts[b.SessionId])
	})
	return binaryState
}

var ErrBinaryNotFinished = errors.New("Binary stream is not finished.")

type BinaryCoStream struct {
	core *CoValueCore
}

func (self *BinaryCoStream) Id() CoValueId {
	return self.core.id
}

func (self *BinaryCoStream) Core() *CoValueCore {
	return self.core
}

func (self *BinaryCoStream) LoadState() LoadState {
	return self.core.LoadState()
}

func (self *BinaryCoStream) state() *binaryState {
	return self.core.resolve(func(txs []*DecodedTransaction) any {
		return buildBinaryState(txs)
	}).(*binaryState)
}

// the first started stream
func (self *BinaryCoStream) Data() (*BinaryStreamInfo, bool) {
	streams := self.state().streams
	if len(streams) == 0 {
		return nil, false
	}
	return streams[0], true
}

func (self *BinaryCoStream) Streams() []*BinaryStreamInfo {
	return self.state().streams
}

// the concatenated chunks of a finished stream
func (self *BinaryCoStream) Bytes() ([]byte, error) {
	info, ok := self.Data()
	if !ok || !info.Finished {
		return nil, ErrBinaryNotFinished
	}
	return bytes.Join(info.Chunks, nil), nil
}

func (self *BinaryCoStream) push(item *binaryItemJson) error {
	_, err := self.core.MakeTransaction([]any{item}, self.core.defaultPrivacy())
	return err
}

func (self *BinaryCoStream) Start(mimeType string, fileName string, totalSizeBytes int64) error {
	return self.push(&binaryItemJson{
		Type:           binaryItemStart,
		MimeType:       mimeType,
		FileName:       fileName,
		TotalSizeBytes: totalSizeBytes,
	})
}

func (self *BinaryCoStream) PushChunk(chunk []byte) error {
	return self.push(&binaryItemJson{
		Type:  binaryItemChunk,
		Chunk: chunk,
	})
}

func (self *BinaryCoStream) End() error {
	return self.push(&binaryItemJson{
		Type: binaryItemEnd,
	})
}

// writes `reader` as a complete `start ... end` bracket
func (self *BinaryCoStream) UploadBinary(
	ctx context.Context,
	reader io.Reader,
	mimeType string,
	fileName string,
	totalSizeBytes int64,
	chunkSize int,
) error {
	if chunkSize <= 0 {
		chunkSize = DefaultBinaryChunkSize
	}
	if err := self.Start(mimeType, fileName, totalSizeBytes); err != nil {
		return err
	}
	buffer := make([]byte, chunkSize)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := io.ReadFull(reader, buffer)
		if 0 < n {
			chunk := make([]byte, n)
			copy(chunk, buffer[:n])
			if err := self.PushChunk(chunk); err != nil {
				return err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			break
		} else if err != nil {
			return fmt.Errorf("Read binary: %w", err)
		}
	}
	return self.End()
}

func (self *BinaryCoStream) MarshalJSON() ([]byte, error) {
	info, ok := self.Data()
	if !ok {
		return []byte("null"), nil
	}
	return json.Marshal(map[string]any{
		"mimeType":       info.MimeType,
		"fileName":       info.FileName,
		"totalSizeBytes": info.TotalSizeBytes,
		"finished":       info.Finished,
		"sizeBytes":      info.SizeBytes(),
	})
}
