package codec

// Values is a decoded record in schema order.
type Values []any

// The typed getters return the zero value when i is out of range or the
// element has a different type.

func (v Values) Bool(i int) bool       { return at[bool](v, i) }
func (v Values) Int32(i int) int32     { return at[int32](v, i) }
func (v Values) Uint16(i int) uint16   { return at[uint16](v, i) }
func (v Values) Float32(i int) float32 { return at[float32](v, i) }
func (v Values) Byte(i int) byte       { return at[byte](v, i) }
func (v Values) String(i int) string   { return at[string](v, i) }
func (v Values) Vec2(i int) Vec2       { return at[Vec2](v, i) }

func at[V any](v Values, i int) V {
	var zero V
	if i < 0 || i >= len(v) {
		return zero
	}
	x, ok := v[i].(V)
	if !ok {
		return zero
	}
	return x
}

// ---------------------------------------------------------------------------
// Typed field constructors
// ---------------------------------------------------------------------------

func BoolField[T any](name string, get func(T) bool, set func(T, bool)) Field[T] {
	return typed(name, KindBool, get, set)
}

func Int32Field[T any](name string, get func(T) int32, set func(T, int32)) Field[T] {
	return typed(name, KindInt32, get, set)
}

func Uint16Field[T any](name string, get func(T) uint16, set func(T, uint16)) Field[T] {
	return typed(name, KindUint16, get, set)
}

func Float32Field[T any](name string, get func(T) float32, set func(T, float32)) Field[T] {
	return typed(name, KindFloat32, get, set)
}

func ByteField[T any](name string, get func(T) byte, set func(T, byte)) Field[T] {
	return typed(name, KindByte, get, set)
}

func StringField[T any](name string, get func(T) string, set func(T, string)) Field[T] {
	return typed(name, KindString, get, set)
}

// IPv4Field carries a dotted-quad address string as 4 octets.
func IPv4Field[T any](name string, get func(T) string, set func(T, string)) Field[T] {
	return typed(name, KindIPv4, get, set)
}

func Vec2Field[T any](name string, get func(T) Vec2, set func(T, Vec2)) Field[T] {
	return typed(name, KindVec2, get, set)
}

func typed[T, V any](name string, kind Kind, get func(T) V, set func(T, V)) Field[T] {
	f := Field[T]{Name: name, Kind: kind}
	if get != nil {
		f.Get = func(obj T) any { return get(obj) }
	}
	if set != nil {
		f.Set = func(obj T, v any) { set(obj, v.(V)) }
	}
	return f
}
