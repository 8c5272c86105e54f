package blockservice

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/gholt/mckoiblock/blockid"
	"github.com/gholt/mckoiblock/compactor"
	"github.com/gholt/mckoiblock/container"
	"github.com/gholt/mckoiblock/rpcerr"
)

const streamPartSize = 16 * 1024

type stagingUpload struct {
	file   *os.File
	length int64
}

// SendBlockTo schedules a background task that streams block to dest in
// 16 KiB parts, completes the transfer, and notifies managers of the new
// placement. It returns a process id identifying the background task.
func (s *Service) SendBlockTo(block blockid.BlockID, dest Peer, destGUID int64, managers []ManagerNotifier) (int64, error) {
	if err := s.checkStopState(); err != nil {
		return 0, err
	}
	pid := s.nextProcessID()
	go s.runSendBlockTo(pid, block, dest, destGUID, managers)
	return pid, nil
}

func (s *Service) runSendBlockTo(pid int64, block blockid.BlockID, dest Peer, destGUID int64, managers []ManagerNotifier) {
	if err := s.sem.Acquire(context.Background(), 1); err != nil {
		s.cfg.logError("sendBlockTo[%d] %s: %s\n", pid, block, err)
		return
	}
	defer s.sem.Release(1)

	path := s.compressedPath(block)
	fileType := 2
	if _, err := os.Stat(path); err != nil {
		path = s.mutablePath(block)
		fileType = 1
		if _, err := os.Stat(path); err != nil {
			s.cfg.logError("sendBlockTo[%d] %s: not present on disk\n", pid, block)
			return
		}
	}

	f, err := os.Open(path)
	if err != nil {
		s.cfg.logError("sendBlockTo[%d] %s: %s\n", pid, block, err)
		return
	}
	defer f.Close()

	buf := make([]byte, streamPartSize)
	var pos int64
	for {
		n, err := f.Read(buf)
		if n > 0 {
			if sendErr := dest.SendBlockPart(block, pos, fileType, buf[:n]); sendErr != nil {
				s.cfg.logError("sendBlockTo[%d] %s: part at %d: %s\n", pid, block, pos, sendErr)
				return
			}
			pos += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			s.cfg.logError("sendBlockTo[%d] %s: read: %s\n", pid, block, err)
			return
		}
	}

	if err := dest.SendBlockComplete(block, fileType); err != nil {
		s.cfg.logError("sendBlockTo[%d] %s: complete: %s\n", pid, block, err)
		return
	}

	for _, m := range managers {
		if err := m.InternalAddBlockServerMapping(block, []int64{destGUID}); err != nil {
			s.cfg.logError("sendBlockTo[%d] %s: notify manager: %s\n", pid, block, err)
		}
	}
}

// SendBlockPart appends a streamed chunk to the incoming staging file
// for block. pos must equal the staging file's current length; pos == 0
// requires that no staging file already exists. All uploads share one
// mutex so overlapping streams for different blocks cannot interleave
// writes against each other's staging files inconsistently.
func (s *Service) SendBlockPart(block blockid.BlockID, pos int64, fileType int, buf []byte) error {
	if err := s.checkStopState(); err != nil {
		return err
	}
	s.uploadMu.Lock()
	defer s.uploadMu.Unlock()

	up, ok := s.staging[block]
	if !ok {
		if pos != 0 {
			return rpcerr.New(rpcerr.KindOutOfOrderPart, "sendBlockPart", block, fmt.Errorf("no staging upload in progress"))
		}
		path := s.incomingPath(block, fileType)
		if _, err := os.Stat(path); err == nil {
			return rpcerr.New(rpcerr.KindBadFrame, "sendBlockPart", block, fmt.Errorf("staging file already exists"))
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return rpcerr.New(rpcerr.KindIO, "sendBlockPart", block, err)
		}
		up = &stagingUpload{file: f}
		s.staging[block] = up
	} else if pos == 0 {
		return rpcerr.New(rpcerr.KindBadFrame, "sendBlockPart", block, fmt.Errorf("staging file already exists"))
	}
	if pos != up.length {
		return rpcerr.New(rpcerr.KindOutOfOrderPart, "sendBlockPart", block, fmt.Errorf("expected pos %d, got %d", up.length, pos))
	}
	if _, err := up.file.WriteAt(buf, pos); err != nil {
		return rpcerr.New(rpcerr.KindIO, "sendBlockPart", block, err)
	}
	up.length += int64(len(buf))
	return nil
}

// SendBlockComplete atomically installs a fully-received staging file
// under its canonical name and inserts a new container for it.
func (s *Service) SendBlockComplete(block blockid.BlockID, fileType int) error {
	if err := s.checkStopState(); err != nil {
		return err
	}
	s.uploadMu.Lock()
	up, ok := s.staging[block]
	if !ok {
		s.uploadMu.Unlock()
		return rpcerr.New(rpcerr.KindBadFrame, "sendBlockComplete", block, fmt.Errorf("no staging upload in progress"))
	}
	delete(s.staging, block)
	stagingPath := s.incomingPath(block, fileType)
	if err := up.file.Close(); err != nil {
		s.uploadMu.Unlock()
		return rpcerr.New(rpcerr.KindIO, "sendBlockComplete", block, err)
	}
	s.uploadMu.Unlock()

	finalPath := s.mutablePath(block)
	if fileType == 2 {
		finalPath = s.compressedPath(block)
	}
	if _, err := os.Stat(finalPath); err == nil {
		return rpcerr.New(rpcerr.KindBadFrame, "sendBlockComplete", block, fmt.Errorf("destination already exists"))
	}
	if err := os.Rename(stagingPath, finalPath); err != nil {
		return rpcerr.New(rpcerr.KindIO, "sendBlockComplete", block, err)
	}

	s.pathMu.Lock()
	_, exists := s.containerMap[block]
	var c *container.Container
	if !exists {
		c = container.New(block, s.opener)
		s.containerMap[block] = c
	}
	s.pathMu.Unlock()
	if !exists && s.compactor != nil {
		s.compactor.Add(compactor.Entry{Block: block, Container: c})
	}
	return nil
}
