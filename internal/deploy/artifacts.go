package deploy

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/shaiso/flowdeploy/internal/domain"
)

// Имена файлов артефактов.
const (
	CodeFileName = "main.py"
	LockFileName = "uv.lock"
)

// Artifacts записывает файлы deploy на диск.
//
// Раскладка: <root>/<flow_id>/<run_type>/<run_id>/main.py
// и для production run с lock — uv.lock рядом.
type Artifacts struct {
	root string
}

// NewArtifacts создаёт Artifacts с корнем root.
func NewArtifacts(root string) *Artifacts {
	return &Artifacts{root: root}
}

// Root возвращает корневой каталог.
func (a *Artifacts) Root() string {
	return a.root
}

// Dir возвращает каталог артефактов run.
func (a *Artifacts) Dir(flowID uuid.UUID, runType domain.RunType, runID uuid.UUID) string {
	return filepath.Join(a.root, flowID.String(), string(runType), runID.String())
}

// CodePath возвращает путь к entry-point файлу run.
func (a *Artifacts) CodePath(run *domain.FlowRun) string {
	return filepath.Join(a.Dir(run.FlowID, run.Type, run.ID), CodeFileName)
}

// LockPath возвращает путь к lock-файлу run.
func (a *Artifacts) LockPath(run *domain.FlowRun) string {
	return filepath.Join(a.Dir(run.FlowID, run.Type, run.ID), LockFileName)
}

// Write записывает код flow и, для production run с lock, lock-файл.
// Повторный вызов перезаписывает файлы тем же содержимым.
// Возвращает путь к entry-point файлу.
func (a *Artifacts) Write(flow *domain.Flow, run *domain.FlowRun) (string, error) {
	dir := a.Dir(run.FlowID, run.Type, run.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifacts dir: %w", err)
	}

	codePath := filepath.Join(dir, CodeFileName)
	if err := writeFileAtomic(codePath, []byte(flow.Code)); err != nil {
		return "", err
	}

	if run.IsProduction() && run.Lock != "" {
		if err := writeFileAtomic(filepath.Join(dir, LockFileName), []byte(run.Lock)); err != nil {
			return "", err
		}
	}

	return codePath, nil
}

// Remove удаляет каталог артефактов run.
func (a *Artifacts) Remove(run *domain.FlowRun) error {
	return os.RemoveAll(a.Dir(run.FlowID, run.Type, run.ID))
}

// writeFileAtomic пишет во временный файл и переименовывает его,
// чтобы читатель никогда не увидел файл наполовину.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}
