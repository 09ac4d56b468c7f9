package discord

import "testing"

func TestSnowflakeJSON(t *testing.T) {
	data, err := Snowflake(330416853971107840).MarshalJSON()
	if err != nil {
		t.Fatalf("MarshalJSON returned error: %v", err)
	}

	if string(data) != `"330416853971107840"` {
		t.Errorf("unexpected marshal output: %s", data)
	}

	var s Snowflake

	if err := s.UnmarshalJSON([]byte(`"330416853971107840"`)); err != nil {
		t.Fatalf("UnmarshalJSON returned error: %v", err)
	}

	if s != 330416853971107840 {
		t.Errorf("unexpected unmarshal value: %d", s)
	}

	// Some fields arrive as raw numbers or null.
	if err := s.UnmarshalJSON([]byte(`123`)); err != nil || s != 123 {
		t.Errorf("unexpected number unmarshal: %d, %v", s, err)
	}

	if err := s.UnmarshalJSON([]byte(`null`)); err != nil || s != 0 {
		t.Errorf("unexpected null unmarshal: %d, %v", s, err)
	}
}
