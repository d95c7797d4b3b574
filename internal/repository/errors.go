package repository

import (
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// PostgreSQLのSQLSTATE。
const (
	uniqueViolation     = "23505"
	foreignKeyViolation = "23503"
)

var (
	// ErrConflict は一意制約違反、または参照先の行が並行して削除されたことを表す。
	// どちらも読み直してからやり直せば解消する。
	ErrConflict = errors.New("unique constraint violation")

	// ErrNotFound は更新・削除対象のレコードが存在しないことを表す。
	ErrNotFound = errors.New("record not found")
)

// translateError はドライバのエラーをリポジトリ層のエラーに変換する。
// 一意制約違反と外部キー違反はErrConflictでラップし、違反した制約名をメッセージに含める。
func translateError(op string, err error) error {
	if err == nil {
		return nil
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case uniqueViolation, foreignKeyViolation:
			return fmt.Errorf("%s: %w (%s)", op, ErrConflict, pqErr.Constraint)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}
