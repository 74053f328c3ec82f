package task_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"localrag/apps/backend/internal/task"
)

func TestValidatePayload(t *testing.T) {
	tests := []struct {
		name    string
		kind    task.Kind
		payload string
		wantErr bool
	}{
		{"answer ok", task.KindAnswerQuery, `{"question":"What is RAG?"}`, false},
		{"answer missing question", task.KindAnswerQuery, `{}`, true},
		{"answer blank question", task.KindAnswerQuery, `{"question":"   "}`, true},
		{"answer too long", task.KindAnswerQuery, `{"question":"` + strings.Repeat("a", 1001) + `"}`, true},
		{"answer zero top_k uses default", task.KindAnswerQuery, `{"question":"q","top_k":0}`, false},
		{"answer top_k too large", task.KindAnswerQuery, `{"question":"q","top_k":99}`, true},
		{"answer unknown field", task.KindAnswerQuery, `{"question":"q","temperature":1}`, true},
		{"answer malformed json", task.KindAnswerQuery, `{"question":`, true},
		{"batch ok", task.KindBatchQuery, `{"questions":["a","b"]}`, false},
		{"batch empty", task.KindBatchQuery, `{"questions":[]}`, true},
		{"batch too many", task.KindBatchQuery, `{"questions":["1","2","3","4","5","6","7","8","9","10","11"]}`, true},
		{"batch blank entry", task.KindBatchQuery, `{"questions":["a"," "]}`, true},
		{"process empty uses defaults", task.KindProcessDocuments, ``, false},
		{"process docs ok", task.KindProcessDocuments, `{"documents":[{"id":"d1","text":"hello"}],"chunk_size":500,"chunk_overlap":50}`, false},
		{"process doc without text", task.KindProcessDocuments, `{"documents":[{"id":"d1"}]}`, true},
		{"process overlap too big", task.KindProcessDocuments, `{"chunk_size":100,"chunk_overlap":100}`, true},
		{"process sub directory ok", task.KindProcessDocuments, `{"directory":"manuals/2024"}`, false},
		{"process absolute directory", task.KindProcessDocuments, `{"directory":"/etc"}`, true},
		{"process directory escapes root", task.KindProcessDocuments, `{"directory":"../../home/x"}`, true},
		{"process directory escapes after cleaning", task.KindProcessDocuments, `{"directory":"a/../../b"}`, true},
		{"process duplicate ids", task.KindProcessDocuments, `{"documents":[{"id":"d1","text":"a"},{"id":"d1","text":"b"}]}`, true},
		{"clear ok", task.KindClearIndex, `{}`, false},
		{"clear null", task.KindClearIndex, `null`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := task.ValidatePayload(tt.kind, []byte(tt.payload))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, task.ErrInvalidInput))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidatePayload_UnknownKind(t *testing.T) {
	err := task.ValidatePayload("send_email", []byte(`{}`))
	assert.True(t, errors.Is(err, task.ErrInvalidInput))
	assert.True(t, errors.Is(err, task.ErrUnknownKind))
}

func TestDecode(t *testing.T) {
	p, err := task.Decode[task.AnswerQueryPayload]([]byte(`{"question":"Q","top_k":3,"bypass_cache":true}`))
	require.NoError(t, err)
	assert.Equal(t, "Q", p.Question)
	assert.Equal(t, 3, p.TopK)
	assert.True(t, p.BypassCache)
}
