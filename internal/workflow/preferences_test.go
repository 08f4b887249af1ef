package workflow

import "testing"

func TestRequestKey_OrderAndWhitespaceInsensitive(t *testing.T) {
	a := RequestKey(1, []uint{3, 1, 2}, Preferences{Style: "corporate", Background: "office"})
	b := RequestKey(1, []uint{1, 2, 3}, Preferences{Style: "  corporate ", Background: "office\n"})
	if a != b {
		t.Fatalf("equivalent requests must share a key: %s != %s", a, b)
	}
}

func TestRequestKey_DistinguishesContent(t *testing.T) {
	base := RequestKey(1, []uint{1, 2}, Preferences{Style: "corporate"})

	if got := RequestKey(2, []uint{1, 2}, Preferences{Style: "corporate"}); got == base {
		t.Fatal("different owners must not collide")
	}
	if got := RequestKey(1, []uint{1, 3}, Preferences{Style: "corporate"}); got == base {
		t.Fatal("different image sets must not collide")
	}
	if got := RequestKey(1, []uint{1, 2}, Preferences{Style: "casual"}); got == base {
		t.Fatal("different preferences must not collide")
	}
}
