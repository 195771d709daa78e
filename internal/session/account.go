package session

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/zkemails/zkemails/internal/credential"
	"github.com/zkemails/zkemails/internal/model"
	"github.com/zkemails/zkemails/internal/pool"
	"github.com/zkemails/zkemails/internal/store"
	"github.com/zkemails/zkemails/internal/transport"
)

// Account is a fully assembled live account: the session plus the
// resources it borrows.
type Account struct {
	*Session

	db   *store.SQLiteStore
	pool *pool.Pool
}

// OpenAccount assembles the production stack for one configured account:
// password from the keyring, pooled IMAP transport, per-account SQLite
// profile under dataDir.
func OpenAccount(cfg model.AccountConfig, dataDir string) (*Account, error) {
	password, err := credential.Get(credential.PasswordKey(cfg.Email))
	if err != nil {
		return nil, fmt.Errorf("loading password for %s: %w", cfg.Email, err)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}
	db, err := store.NewSQLiteStore(filepath.Join(dataDir, profileName(cfg.Email)+".db"))
	if err != nil {
		return nil, err
	}

	connPool := pool.New(&transport.IMAPDialer{Password: password})
	mailbox := transport.NewIMAPMailbox(cfg, password, connPool)

	sess, err := Open(cfg, db, mailbox)
	if err != nil {
		connPool.Close()
		db.Close()
		return nil, err
	}

	return &Account{Session: sess, db: db, pool: connPool}, nil
}

// Close releases the account's connections and database.
func (a *Account) Close() error {
	a.pool.Close()
	return a.db.Close()
}

// profileName turns an email address into a filesystem-safe database
// name.
func profileName(email string) string {
	return strings.NewReplacer("@", "_", "/", "_", ":", "_").Replace(email)
}
