package checksum

import "testing"

func TestSum_Known(t *testing.T) {
	const want = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	if got := Sum(nil); got != want {
		t.Errorf("Sum(nil) = %s", got)
	}
}

func TestVerify(t *testing.T) {
	data := []byte(`{"version":1}`)
	if !Verify(data, Sum(data)) {
		t.Error("Verify rejected its own sum")
	}
	if Verify([]byte(`{"version":2}`), Sum(data)) {
		t.Error("Verify accepted a different payload")
	}
}
