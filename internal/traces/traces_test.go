package traces

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/attribute"
)

func TestAmount_FullUint64Range(t *testing.T) {
	kv := Amount(math.MaxUint64)
	assert.Equal(t, attribute.Key("amount"), kv.Key)
	assert.Equal(t, attribute.STRING, kv.Value.Type())
	assert.Equal(t, "18446744073709551615", kv.Value.AsString())

	assert.Equal(t, "42", Amount(42).Value.AsString())
}
