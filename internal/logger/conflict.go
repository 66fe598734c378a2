package logger

import "gorm.io/gorm/clause"

// onConflictDoNothing lets run:start/step:start inserts tolerate a retried
// producer re-sending the same id.
func onConflictDoNothing() clause.Expression {
	return clause.OnConflict{DoNothing: true}
}
