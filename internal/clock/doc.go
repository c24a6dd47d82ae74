// Package clock provides an injectable time source so that polling loops,
// retry deadlines and budget measurements can be tested deterministically.
//
// Production code uses Real(). Tests use Fake(), whose Sleep and After
// advance the fake time immediately instead of blocking. Deadlines computed
// from Now therefore expire after a predictable number of iterations.
package clock
