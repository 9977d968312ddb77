// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package csql

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOpenRejectsInvalidSchema(t *testing.T) {
	for _, schema := range []string{"Upper", "drop table;", "1abc", "a-b"} {
		_, err := Open("postgres://localhost/none", schema)
		assert.Error(t, err, schema)
		assert.Contains(t, err.Error(), "invalid schema name")
	}
}

func TestTable(t *testing.T) {
	db := &DB{Schema: "emulator"}
	assert.Equal(t, `emulator."things"`, db.Table("things"))
}

func TestClearSchemaRefusesPublic(t *testing.T) {
	db := &DB{Schema: "public"}
	assert.Error(t, db.ClearSchema())
}
