package repository

import (
	"errors"

	"github.com/lib/pq"
)

// isUniqueViolation はPostgreSQLの一意制約違反（SQLSTATE 23505）かどうかを返す。
// 非終了トリガーの部分一意インデックスやinteraction_idの一意制約の違反検出に使用する。
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
