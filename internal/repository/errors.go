package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/hitoshi/binday/internal/model"
)

// 容量不足として扱うPostgreSQLのエラーコード。
var storageFullCodes = map[pq.ErrorCode]bool{
	"53100": true, // disk_full
	"53200": true, // out_of_memory
	"54000": true, // program_limit_exceeded
}

// wrapStorageError はドライバのエラーをmodel.ErrStorageFull / model.ErrStorageUnavailableでラップする。
func wrapStorageError(msg string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && storageFullCodes[pqErr.Code] {
		return fmt.Errorf("%s: %w: %w", msg, model.ErrStorageFull, err)
	}
	return fmt.Errorf("%s: %w: %w", msg, model.ErrStorageUnavailable, err)
}
