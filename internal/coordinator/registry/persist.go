package registry

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"titan/pkg/model"
)

const snapshotFile = "workers.json"

// persister 把注册表快照原子落盘 (写临时文件 -> fsync -> rename)
// 写入在自己的锁下串行，generation 保证旧快照不会覆盖新快照
type persister struct {
	path string
	log  *zap.Logger

	mu       sync.Mutex
	lastGen  uint64
	disabled bool
}

func newPersister(dir string, log *zap.Logger) *persister {
	p := &persister{path: filepath.Join(dir, snapshotFile), log: log}
	if err := probeWritable(dir); err != nil {
		p.disable(err)
	}
	return p
}

func probeWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".probe-*")
	if err != nil {
		return err
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

// disable 持久化失败不拖垮协调器：降级为纯内存运行并大声告警
func (p *persister) disable(err error) {
	p.disabled = true
	p.log.Error("registry persistence disabled, running in-memory only",
		zap.String("path", p.path), zap.Error(err))
}

func (p *persister) load() (map[string]*model.Worker, error) {
	if p.disabled {
		return nil, nil
	}
	data, err := os.ReadFile(p.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read registry snapshot: %w", err)
	}

	workers := map[string]*model.Worker{}
	if err := json.Unmarshal(data, &workers); err != nil {
		// 损坏的快照挪到一边，别让下一次写覆盖掉现场
		aside := fmt.Sprintf("%s.corrupt-%d", p.path, time.Now().Unix())
		if rerr := os.Rename(p.path, aside); rerr != nil {
			p.log.Error("failed to move corrupt snapshot aside", zap.Error(rerr))
		}
		p.log.Error("registry snapshot corrupt, starting empty",
			zap.String("moved_to", aside), zap.Error(err))
		return nil, nil
	}
	return workers, nil
}

func (p *persister) write(gen uint64, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.disabled || gen <= p.lastGen {
		return
	}
	if err := writeFileAtomic(p.path, data); err != nil {
		p.disable(err)
		return
	}
	p.lastGen = gen
}

func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return err
	}
	return nil
}

// snapshotLocked 在注册表锁内序列化，只涉及内存
func (r *Registry) snapshotLocked() ([]byte, uint64, error) {
	if r.persist == nil {
		return nil, 0, nil
	}
	r.gen++
	data, err := json.MarshalIndent(r.workers, "", "  ")
	if err != nil {
		r.log.Error("failed to encode registry snapshot", zap.Error(err))
		return nil, 0, err
	}
	return data, r.gen, nil
}

func (r *Registry) save(data []byte, gen uint64) {
	if r.persist == nil || data == nil {
		return
	}
	r.persist.write(gen, data)
}
