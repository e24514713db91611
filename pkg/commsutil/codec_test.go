package commsutil

import "testing"

func TestToMap(t *testing.T) {
	type quote struct {
		SKU   string  `json:"sku"`
		Price float64 `json:"price"`
	}

	tests := []struct {
		name    string
		input   interface{}
		wantKey string
		wantNil bool
		wantErr bool
	}{
		{name: "nil", input: nil, wantNil: true},
		{name: "map passes through", input: map[string]interface{}{"sku": "X"}, wantKey: "sku"},
		{name: "struct", input: quote{SKU: "X", Price: 1.5}, wantKey: "price"},
		{name: "scalar is not an object", input: 42, wantErr: true},
		{name: "unserializable", input: make(chan int), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ToMap(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatal("commsutil:codec_test - expected error but got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("commsutil:codec_test - unexpected error: %v", err)
			}
			if tt.wantNil {
				if got != nil {
					t.Errorf("commsutil:codec_test - expected nil map, got %v", got)
				}
				return
			}
			if _, ok := got[tt.wantKey]; !ok {
				t.Errorf("commsutil:codec_test - key %q missing from %v", tt.wantKey, got)
			}
		})
	}
}

func TestDecodePayload_Invalid(t *testing.T) {
	var target map[string]interface{}
	for _, data := range []string{"", "{invalid}", "[1,2"} {
		if err := DecodePayload([]byte(data), &target); err == nil {
			t.Errorf("commsutil:codec_test - expected error decoding %q", data)
		}
	}
}

func TestEncodePayload_Message(t *testing.T) {
	data, err := EncodePayload(map[string]interface{}{"action": "quote"})
	if err != nil {
		t.Fatalf("commsutil:codec_test - encode: %v", err)
	}
	if string(data) != `{"action":"quote"}` {
		t.Errorf("commsutil:codec_test - got %s", data)
	}
}
