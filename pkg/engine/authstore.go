package engine

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"wsm_go/pkg/storage"

	"github.com/gotd/td/session"
)

// ErrNoAuth означает, что сохранённой авторизации нет.
// Совпадает с session.ErrNotFound, чтобы хранилища подходили и клиенту gotd.
var ErrNoAuth = session.ErrNotFound

// AuthStore хранит данные авторизации одного аккаунта между перезапусками.
// Набор методов совпадает с session.Storage из gotd.
type AuthStore interface {
	LoadSession(ctx context.Context) ([]byte, error)
	StoreSession(ctx context.Context, data []byte) error
}

// AuthStores выдаёт хранилища авторизации по аккаунтам.
type AuthStores interface {
	For(accountID string) AuthStore
	Purge(ctx context.Context, accountID string) error
}

// DirAuthStores хранит авторизацию файлами в каталоге сессий.
type DirAuthStores struct {
	Dir    string
	Suffix string // Например ".session.json"
}

func (d DirAuthStores) path(accountID string) string {
	// Base не даёт идентификатору выйти за пределы каталога
	return filepath.Join(d.Dir, filepath.Base(accountID)+d.Suffix)
}

func (d DirAuthStores) For(accountID string) AuthStore {
	return &session.FileStorage{Path: d.path(accountID)}
}

func (d DirAuthStores) Purge(_ context.Context, accountID string) error {
	err := os.Remove(d.path(accountID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// DBAuthStores хранит авторизацию в таблице account_session.
type DBAuthStores struct {
	DB *storage.DB
}

func (d DBAuthStores) For(accountID string) AuthStore {
	return d.DB.SessionStorage(accountID)
}

func (d DBAuthStores) Purge(ctx context.Context, accountID string) error {
	return d.DB.SessionStorage(accountID).DeleteSession(ctx)
}
